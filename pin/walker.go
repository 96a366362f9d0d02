package pin

import (
	"context"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/filecoin-project/go-blockswap/blockstore"
)

// LinkWalker extracts the child links of a block. The pinner itself knows
// nothing about block formats; whatever DAG layer sits above raw blocks
// registers its decoder here. A nil error with no links means the block
// is a leaf.
type LinkWalker func(ctx context.Context, c cid.Cid, data []byte) ([]cid.Cid, error)

// NoLinks is the default walker: every block is a leaf. Raw content
// stored through the plain block API has no link structure.
func NoLinks(context.Context, cid.Cid, []byte) ([]cid.Cid, error) {
	return nil, nil
}

// reachable calls fn for every key reachable from roots, resolving links
// through the walker. Traversal is iterative with an explicit stack, so
// arbitrarily deep graphs cannot blow the call stack. Blocks missing
// from the store are skipped after a log line: a partially fetched DAG
// must not wedge pin accounting or GC.
func reachable(ctx context.Context, bs blockstore.Blockstore, walker LinkWalker, roots []cid.Cid, fn func(cid.Cid) error) error {
	visited := make(map[string]struct{})
	stack := append([]cid.Cid(nil), roots...)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		k := string(c.Hash())
		if _, ok := visited[k]; ok {
			continue
		}
		visited[k] = struct{}{}

		if err := fn(c); err != nil {
			return err
		}

		var links []cid.Cid
		err := bs.View(ctx, c, func(data []byte) error {
			var err error
			links, err = walker(ctx, c, data)
			return err
		})
		if err != nil {
			if ipld.IsNotFound(err) {
				log.Warnf("pin traversal: %s not in local store, skipping subtree", c)
				continue
			}
			return err
		}

		stack = append(stack, links...)
	}

	return nil
}
