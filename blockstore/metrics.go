package blockstore

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// CacheMeasures groups all metrics emitted by the blockstore caches.
var CacheMeasures = struct {
	Hits   *stats.Int64Measure
	Misses *stats.Int64Measure
	Puts   *stats.Int64Measure
}{
	Hits:   stats.Int64("blockstore/cache/hits", "Total number of blocks served from the cache", stats.UnitDimensionless),
	Misses: stats.Int64("blockstore/cache/misses", "Total number of reads that fell through to the backing store", stats.UnitDimensionless),
	Puts:   stats.Int64("blockstore/cache/puts", "Total number of blocks admitted into the cache", stats.UnitDimensionless),
}

// CacheViews groups all cache-related default views.
var CacheViews = struct {
	Hits   *view.View
	Misses *view.View
	Puts   *view.View
}{
	Hits: &view.View{
		Measure:     CacheMeasures.Hits,
		Aggregation: view.Sum(),
	},
	Misses: &view.View{
		Measure:     CacheMeasures.Misses,
		Aggregation: view.Sum(),
	},
	Puts: &view.View{
		Measure:     CacheMeasures.Puts,
		Aggregation: view.Sum(),
	},
}

// DefaultViews exports all default views for this package.
var DefaultViews = []*view.View{
	CacheViews.Hits,
	CacheViews.Misses,
	CacheViews.Puts,
}
