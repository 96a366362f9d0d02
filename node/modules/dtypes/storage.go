package dtypes

import (
	"github.com/ipfs/go-datastore"

	"github.com/filecoin-project/go-blockswap/blockstore"
)

// MetadataDS stores metadata
// by default it's namespaced under /metadata in main repo datastore
type MetadataDS datastore.Batching

// BaseBlockstore is the raw store backing the repo, with no caches on top.
type BaseBlockstore blockstore.Blockstore

// CachedBlockstore is the base store wrapped with bloom and ARC caches,
// when those are enabled in config.
type CachedBlockstore blockstore.Blockstore

// ExposedBlockstore is the store handed to the exchange and the API. Deletes
// through it are checked against the pinner, and refused while a GC mark
// phase could race them.
type ExposedBlockstore blockstore.Blockstore
