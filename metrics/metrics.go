package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	rpcmetrics "github.com/filecoin-project/go-jsonrpc/metrics"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/build"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	2000, 3000, 4000, 5000, 6000, 8000, 10000, 13000, 16000, 20000, 25000, 30000, 40000, 50000, 65000, 80000, 100000, // Larger, less frequent buckets
)

var blockSizeDistribution = view.Distribution(
	1<<6, 1<<8, 1<<10, 1<<12, 1<<14, 1<<16, 1<<18, 1<<20, 2<<20,
)

var queueSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500, 1000, 2000, 5000, 10000)

// Tags
var (
	// common
	Version, _     = tag.NewKey("version")
	Commit, _      = tag.NewKey("commit")
	NodeType, _    = tag.NewKey("node_type")
	Network, _     = tag.NewKey("network")
	PeerID, _      = tag.NewKey("peer_id")
	FailureType, _ = tag.NewKey("failure_type")

	Endpoint, _     = tag.NewKey("endpoint")
	APIInterface, _ = tag.NewKey("api")
)

// Measures
var (
	// common
	Info               = stats.Int64("info", "Arbitrary counter to tag node info to", stats.UnitDimensionless)
	PeerCount          = stats.Int64("peer/count", "Current number of connected peers", stats.UnitDimensionless)
	APIRequestDuration = stats.Float64("api/request_duration_ms", "Duration of API requests", stats.UnitMilliseconds)

	// exchange
	MessagesReceived    = stats.Int64("exchange/messages_received", "Counter for total received messages", stats.UnitDimensionless)
	MessagesSent        = stats.Int64("exchange/messages_sent", "Counter for total sent messages", stats.UnitDimensionless)
	BlocksReceived      = stats.Int64("exchange/blocks_received", "Counter for total received blocks", stats.UnitDimensionless)
	BlocksSent          = stats.Int64("exchange/blocks_sent", "Counter for total sent blocks", stats.UnitDimensionless)
	BytesReceived       = stats.Int64("exchange/bytes_received", "Counter for total received block bytes", stats.UnitBytes)
	BytesSent           = stats.Int64("exchange/bytes_sent", "Counter for total sent block bytes", stats.UnitBytes)
	DupBlocksReceived   = stats.Int64("exchange/dup_blocks_received", "Counter for received blocks already held locally", stats.UnitDimensionless)
	IntegrityViolations = stats.Int64("exchange/integrity_violations", "Counter for received blocks whose data did not match the claimed key", stats.UnitDimensionless)
	ReceivedBlockSize   = stats.Int64("exchange/received_block_size", "Size distribution of received blocks", stats.UnitBytes)
	WantlistTotal       = stats.Int64("exchange/wantlist_total", "Current number of entries in the local wantlist", stats.UnitDimensionless)
	SessionsActive      = stats.Int64("exchange/sessions_active", "Current number of active fetch sessions", stats.UnitDimensionless)
	SendQueueDepth      = stats.Int64("exchange/send_queue_depth", "Depth of the per-peer response task queue at pop time", stats.UnitDimensionless)

	// pinning and garbage collection
	PinTotal        = stats.Int64("pin/total", "Current number of pinned keys", stats.UnitDimensionless)
	GCDuration      = stats.Float64("gc/duration_ms", "Duration of a full garbage collection pass", stats.UnitMilliseconds)
	GCBlocksRemoved = stats.Int64("gc/blocks_removed", "Counter for blocks removed by garbage collection", stats.UnitDimensionless)
)

// Views
var (
	InfoView = &view.View{
		Name:        "info",
		Description: "node information",
		Measure:     Info,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, NodeType, Network},
	}
	PeerCountView = &view.View{
		Measure:     PeerCount,
		Aggregation: view.LastValue(),
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{APIInterface, Endpoint},
	}

	MessagesReceivedView = &view.View{
		Measure:     MessagesReceived,
		Aggregation: view.Count(),
	}
	MessagesSentView = &view.View{
		Measure:     MessagesSent,
		Aggregation: view.Count(),
	}
	BlocksReceivedView = &view.View{
		Measure:     BlocksReceived,
		Aggregation: view.Count(),
	}
	BlocksSentView = &view.View{
		Measure:     BlocksSent,
		Aggregation: view.Count(),
	}
	BytesReceivedView = &view.View{
		Measure:     BytesReceived,
		Aggregation: view.Sum(),
	}
	BytesSentView = &view.View{
		Measure:     BytesSent,
		Aggregation: view.Sum(),
	}
	DupBlocksReceivedView = &view.View{
		Measure:     DupBlocksReceived,
		Aggregation: view.Count(),
	}
	IntegrityViolationsView = &view.View{
		Measure:     IntegrityViolations,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{PeerID},
	}
	ReceivedBlockSizeView = &view.View{
		Measure:     ReceivedBlockSize,
		Aggregation: blockSizeDistribution,
	}
	WantlistTotalView = &view.View{
		Measure:     WantlistTotal,
		Aggregation: view.LastValue(),
	}
	SessionsActiveView = &view.View{
		Measure:     SessionsActive,
		Aggregation: view.LastValue(),
	}
	SendQueueDepthView = &view.View{
		Measure:     SendQueueDepth,
		Aggregation: queueSizeDistribution,
	}

	PinTotalView = &view.View{
		Measure:     PinTotal,
		Aggregation: view.LastValue(),
	}
	GCDurationView = &view.View{
		Measure:     GCDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	GCBlocksRemovedView = &view.View{
		Measure:     GCBlocksRemoved,
		Aggregation: view.Sum(),
	}
)

var views = []*view.View{
	InfoView,
	PeerCountView,
	APIRequestDurationView,

	MessagesReceivedView,
	MessagesSentView,
	BlocksReceivedView,
	BlocksSentView,
	BytesReceivedView,
	BytesSentView,
	DupBlocksReceivedView,
	IntegrityViolationsView,
	ReceivedBlockSizeView,
	WantlistTotalView,
	SessionsActiveView,
	SendQueueDepthView,

	PinTotalView,
	GCDurationView,
	GCBlocksRemovedView,
}

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	return views
}()

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

func init() {
	RegisterViews(blockstore.DefaultViews...)
	RegisterViews(rpcmetrics.DefaultViews...)
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

func AddNetworkTag(ctx context.Context) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(Network, build.NetworkName))
	return ctx
}
