// Package metrics exposes opencensus measures for the aggregation
// pipeline and the oracle reconciler.
package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var foldCountDistribution = view.Distribution(0, 1, 2, 3, 5, 8, 13, 20, 35, 50, 100, 200, 500, 1000)
var diffSizeDistribution = view.Distribution(0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000)

// Tags
var (
	GroupKey, _ = tag.NewKey("group_key")
	Source, _   = tag.NewKey("source")
)

// Measures
var (
	PiecesIngested   = stats.Int64("ingest/pieces", "Counter for ingested pieces", stats.UnitDimensionless)
	BuffersReduced   = stats.Int64("reducer/buffers", "Counter for buffers merged by the reducer", stats.UnitDimensionless)
	ReduceRetries    = stats.Int64("reducer/retries", "Counter for messages returned for redelivery", stats.UnitDimensionless)
	AggregatesPacked = stats.Int64("packer/aggregates", "Counter for packed aggregates", stats.UnitDimensionless)
	PiecesFolded     = stats.Int64("packer/folded", "Pieces folded per aggregate", stats.UnitDimensionless)
	PackRejected     = stats.Int64("packer/rejected", "Counter for pieces rejected by the builder", stats.UnitDimensionless)
	OracleDiffSize   = stats.Int64("oracle/diff_size", "New deal records per reconciliation tick", stats.UnitDimensionless)
	OracleTickFailed = stats.Int64("oracle/tick_failed", "Counter for failed reconciliation ticks", stats.UnitDimensionless)
)

// Views
var (
	PiecesIngestedView = &view.View{
		Measure:     PiecesIngested,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{GroupKey},
	}
	BuffersReducedView = &view.View{
		Measure:     BuffersReduced,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{GroupKey},
	}
	ReduceRetriesView = &view.View{
		Measure:     ReduceRetries,
		Aggregation: view.Count(),
	}
	AggregatesPackedView = &view.View{
		Measure:     AggregatesPacked,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{GroupKey},
	}
	PiecesFoldedView = &view.View{
		Measure:     PiecesFolded,
		Aggregation: foldCountDistribution,
		TagKeys:     []tag.Key{GroupKey},
	}
	PackRejectedView = &view.View{
		Measure:     PackRejected,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{GroupKey},
	}
	OracleDiffSizeView = &view.View{
		Measure:     OracleDiffSize,
		Aggregation: diffSizeDistribution,
		TagKeys:     []tag.Key{Source},
	}
	OracleTickFailedView = &view.View{
		Measure:     OracleTickFailed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Source},
	}
)

var DefaultViews = []*view.View{
	PiecesIngestedView,
	BuffersReducedView,
	ReduceRetriesView,
	AggregatesPackedView,
	PiecesFoldedView,
	PackRejectedView,
	OracleDiffSizeView,
	OracleTickFailedView,
}

func RecordPiecesIngested(ctx context.Context, groupKey string, n int) {
	ctx, _ = tag.New(ctx, tag.Upsert(GroupKey, groupKey))
	stats.Record(ctx, PiecesIngested.M(int64(n)))
}

func RecordBufferReduced(ctx context.Context, groupKey string) {
	ctx, _ = tag.New(ctx, tag.Upsert(GroupKey, groupKey))
	stats.Record(ctx, BuffersReduced.M(1))
}

func RecordReduceRetries(ctx context.Context, n int) {
	stats.Record(ctx, ReduceRetries.M(int64(n)))
}

func RecordAggregatePacked(ctx context.Context, groupKey string, folded int) {
	ctx, _ = tag.New(ctx, tag.Upsert(GroupKey, groupKey))
	stats.Record(ctx, AggregatesPacked.M(1), PiecesFolded.M(int64(folded)))
}

func RecordPackRejected(ctx context.Context, groupKey string) {
	ctx, _ = tag.New(ctx, tag.Upsert(GroupKey, groupKey))
	stats.Record(ctx, PackRejected.M(1))
}

func RecordOracleDiff(ctx context.Context, source string, size int) {
	ctx, _ = tag.New(ctx, tag.Upsert(Source, source))
	stats.Record(ctx, OracleDiffSize.M(int64(size)))
}

func RecordOracleTickFailed(ctx context.Context, source string) {
	ctx, _ = tag.New(ctx, tag.Upsert(Source, source))
	stats.Record(ctx, OracleTickFailed.M(1))
}
