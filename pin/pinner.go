package pin

import (
	"bytes"
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-base32"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	cborutil "github.com/filecoin-project/go-cbor-util"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/metrics"
)

var log = logging.Logger("pin")

// ErrPinned is returned when a delete is refused because the key is
// still protected by a pin.
var ErrPinned = xerrors.New("block is pinned")

var errFoundPin = xerrors.New("pin found")

var pinBase = ds.NewKey("/pins")

func dsKeyForCid(c cid.Cid) ds.Key {
	return ds.NewKey(base32.RawStdEncoding.EncodeToString(c.Bytes()))
}

func cidFromDsKey(k ds.Key) (cid.Cid, error) {
	b, err := base32.RawStdEncoding.DecodeString(k.Name())
	if err != nil {
		return cid.Undef, err
	}
	return cid.Cast(b)
}

// Pinner maintains the reference-counted pin index. Records are kept in
// memory for fast lookup and written through to the datastore on every
// change, one record per pinned key under the /pins namespace.
//
// Pin identity is the full key, codec included, so recursive pins know
// how to decode their roots. Lookups that guard deletes and garbage
// collection match on the underlying hash instead: a block is protected
// if any key naming its bytes is pinned.
type Pinner struct {
	lk sync.RWMutex

	ds     ds.Batching
	bs     blockstore.Blockstore
	walker LinkWalker

	pins   map[string]*PinRecord // raw key bytes -> record
	byHash map[string][]cid.Cid  // multihash -> keys with live records
}

type Option func(*Pinner)

// WithWalker sets the link resolver used for recursive pin closures.
// Without it every block is treated as a leaf.
func WithWalker(w LinkWalker) Option {
	return func(p *Pinner) {
		p.walker = w
	}
}

// NewPinner loads the pin index from the given datastore. The blockstore
// is only read during closure traversal, never written.
func NewPinner(ctx context.Context, d ds.Batching, bs blockstore.Blockstore, opts ...Option) (*Pinner, error) {
	p := &Pinner{
		ds:     namespace.Wrap(d, pinBase),
		bs:     bs,
		walker: NoLinks,
		pins:   make(map[string]*PinRecord),
		byHash: make(map[string][]cid.Cid),
	}
	for _, opt := range opts {
		opt(p)
	}

	res, err := p.ds.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, xerrors.Errorf("querying pin records: %w", err)
	}
	defer res.Close() //nolint:errcheck

	for r := range res.Next() {
		if r.Error != nil {
			return nil, xerrors.Errorf("iterating pin records: %w", r.Error)
		}
		c, err := cidFromDsKey(ds.RawKey(r.Key))
		if err != nil {
			log.Warnf("skipping undecodable pin key %q: %s", r.Key, err)
			continue
		}
		var rec PinRecord
		if err := rec.UnmarshalCBOR(bytes.NewReader(r.Value)); err != nil {
			return nil, xerrors.Errorf("decoding pin record for %s: %w", c, err)
		}
		if rec.empty() {
			log.Warnf("dropping empty pin record for %s", c)
			continue
		}
		p.pins[string(c.Bytes())] = &rec
		p.indexLocked(c)
	}

	stats.Record(ctx, metrics.PinTotal.M(int64(len(p.pins))))
	log.Infow("pin index loaded", "pins", len(p.pins))
	return p, nil
}

// Pin adds one reference to c, recursive or direct. The key does not
// have to be locally present; a recursive closure is computed from
// whatever blocks are available at traversal time.
func (p *Pinner) Pin(ctx context.Context, c cid.Cid, recursive bool) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	k := string(c.Bytes())
	rec, ok := p.pins[k]
	if !ok {
		rec = new(PinRecord)
		p.pins[k] = rec
		p.indexLocked(c)
	}
	if recursive {
		rec.Recursive++
	} else {
		rec.Direct++
	}

	if err := p.persist(ctx, c, rec); err != nil {
		if recursive {
			rec.Recursive--
		} else {
			rec.Direct--
		}
		if rec.empty() {
			delete(p.pins, k)
			p.unindexLocked(c)
		}
		return xerrors.Errorf("persisting pin for %s: %w", c, err)
	}
	stats.Record(ctx, metrics.PinTotal.M(int64(len(p.pins))))
	return nil
}

// Unpin drops one reference from c, recursive references first. Unpinning
// a key with no references is a no-op; counts never go negative.
func (p *Pinner) Unpin(ctx context.Context, c cid.Cid) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	k := string(c.Bytes())
	rec, ok := p.pins[k]
	if !ok {
		return nil
	}

	prev := *rec
	switch {
	case rec.Recursive > 0:
		rec.Recursive--
	case rec.Direct > 0:
		rec.Direct--
	}

	if rec.empty() {
		if err := p.ds.Delete(ctx, dsKeyForCid(c)); err != nil {
			*rec = prev
			return xerrors.Errorf("deleting pin record for %s: %w", c, err)
		}
		delete(p.pins, k)
		p.unindexLocked(c)
		stats.Record(ctx, metrics.PinTotal.M(int64(len(p.pins))))
		return nil
	}

	if err := p.persist(ctx, c, rec); err != nil {
		*rec = prev
		return xerrors.Errorf("persisting pin for %s: %w", c, err)
	}
	return nil
}

// IsPinned reports how c is protected: Recursive or Direct when a key
// with the same hash holds such a reference, Indirect when c is inside
// some recursive pin's closure, NotPinned otherwise. The pin index lock
// is only held for the reference lookup, not during closure traversal.
func (p *Pinner) IsPinned(ctx context.Context, c cid.Cid) (Mode, error) {
	p.lk.RLock()
	mode := NotPinned
	for _, e := range p.byHash[string(c.Hash())] {
		rec := p.pins[string(e.Bytes())]
		if rec == nil {
			continue
		}
		if rec.Recursive > 0 {
			mode = Recursive
			break
		}
		if rec.Direct > 0 {
			mode = Direct
		}
	}
	var roots []cid.Cid
	if mode == NotPinned {
		roots = p.recursiveRootsLocked()
	}
	p.lk.RUnlock()

	if mode != NotPinned || len(roots) == 0 {
		return mode, nil
	}

	target := string(c.Hash())
	err := reachable(ctx, p.bs, p.walker, roots, func(r cid.Cid) error {
		if string(r.Hash()) == target {
			return errFoundPin
		}
		return nil
	})
	if err != nil {
		if xerrors.Is(err, errFoundPin) {
			return Indirect, nil
		}
		return NotPinned, err
	}
	return NotPinned, nil
}

// Ls lists the pinned roots with their reference counts. A key pinned
// both ways appears twice, once per mode. Keys held only indirectly are
// not listed; enumerate them with a closure walk if needed.
func (p *Pinner) Ls(ctx context.Context) ([]Status, error) {
	p.lk.RLock()
	defer p.lk.RUnlock()

	out := make([]Status, 0, len(p.pins))
	for k, rec := range p.pins {
		c, err := cid.Cast([]byte(k))
		if err != nil {
			continue
		}
		if rec.Recursive > 0 {
			out = append(out, Status{Key: c, Mode: Recursive, Refs: rec.Recursive})
		}
		if rec.Direct > 0 {
			out = append(out, Status{Key: c, Mode: Direct, Refs: rec.Direct})
		}
	}
	return out, nil
}

// Flush forces pin records down to stable storage.
func (p *Pinner) Flush(ctx context.Context) error {
	return p.ds.Sync(ctx, ds.NewKey(""))
}

// pinnedSet returns the hashes of every protected block: all pinned
// roots plus the closure of the recursive ones. Used as the mark set by
// the garbage collector. The index lock is released before traversal so
// a long walk does not stall Pin and Unpin.
func (p *Pinner) pinnedSet(ctx context.Context) (map[string]struct{}, error) {
	p.lk.RLock()
	marked := make(map[string]struct{}, len(p.pins))
	var recursive []cid.Cid
	for k, rec := range p.pins {
		c, err := cid.Cast([]byte(k))
		if err != nil {
			continue
		}
		marked[string(c.Hash())] = struct{}{}
		if rec.Recursive > 0 {
			recursive = append(recursive, c)
		}
	}
	p.lk.RUnlock()

	err := reachable(ctx, p.bs, p.walker, recursive, func(c cid.Cid) error {
		marked[string(c.Hash())] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("walking recursive pins: %w", err)
	}
	return marked, nil
}

func (p *Pinner) recursiveRootsLocked() []cid.Cid {
	var roots []cid.Cid
	for k, rec := range p.pins {
		if rec.Recursive == 0 {
			continue
		}
		c, err := cid.Cast([]byte(k))
		if err != nil {
			continue
		}
		roots = append(roots, c)
	}
	return roots
}

func (p *Pinner) persist(ctx context.Context, c cid.Cid, rec *PinRecord) error {
	b, err := cborutil.Dump(rec)
	if err != nil {
		return err
	}
	return p.ds.Put(ctx, dsKeyForCid(c), b)
}

func (p *Pinner) indexLocked(c cid.Cid) {
	h := string(c.Hash())
	for _, e := range p.byHash[h] {
		if e.Equals(c) {
			return
		}
	}
	p.byHash[h] = append(p.byHash[h], c)
}

func (p *Pinner) unindexLocked(c cid.Cid) {
	h := string(c.Hash())
	list := p.byHash[h]
	for i, e := range list {
		if e.Equals(c) {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(p.byHash, h)
	} else {
		p.byHash[h] = list
	}
}
