package full

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/node/announce"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/pin"
)

var log = logging.Logger("fullnode")

type BlockAPI struct {
	fx.In

	Blockstore dtypes.ExposedBlockstore
	Exchange   *exchange.Exchange
	Pinner     *pin.Pinner

	Announce *announce.Service `optional:"true"`
}

// BlockPut admits data into the local store under its computed key. The
// new block is handed to the exchange so open wants elsewhere resolve
// from here, and gossiped when announcing is on.
func (a *BlockAPI) BlockPut(ctx context.Context, data []byte, pinned bool) (cid.Cid, error) {
	if len(data) > message.MaxBlockSize {
		return cid.Undef, xerrors.Errorf("block is too large (%d bytes, limit %d)", len(data), message.MaxBlockSize)
	}

	blk := blocks.NewBlock(data)

	if err := a.Blockstore.Put(ctx, blk); err != nil {
		return cid.Undef, xerrors.Errorf("putting block: %w", err)
	}

	if pinned {
		if err := a.Pinner.Pin(ctx, blk.Cid(), false); err != nil {
			return cid.Undef, xerrors.Errorf("pinning block: %w", err)
		}
	}

	if err := a.Exchange.NotifyNewBlocks(ctx, blk); err != nil {
		log.Warnf("notifying exchange about new block: %s", err)
	}

	if a.Announce != nil {
		a.Announce.Publish(ctx, blk)
	}

	return blk.Cid(), nil
}

// BlockGet serves the block locally when stored, otherwise it opens a
// want and blocks until the network produces the block or ctx runs out.
func (a *BlockAPI) BlockGet(ctx context.Context, k cid.Cid) ([]byte, error) {
	blk, err := a.Exchange.GetBlock(ctx, k)
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

func (a *BlockAPI) BlockHas(ctx context.Context, k cid.Cid) (bool, error) {
	return a.Blockstore.Has(ctx, k)
}

func (a *BlockAPI) BlockStat(ctx context.Context, k cid.Cid) (api.BlockStat, error) {
	size, err := a.Blockstore.GetSize(ctx, k)
	if err != nil {
		return api.BlockStat{}, err
	}
	return api.BlockStat{Key: k, Size: size}, nil
}

// BlockRm deletes the block from the local store. Pinned keys are
// refused with pin.ErrPinned.
func (a *BlockAPI) BlockRm(ctx context.Context, k cid.Cid) error {
	return a.Blockstore.DeleteBlock(ctx, k)
}
