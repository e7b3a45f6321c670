package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(
	1, 5, 10, 25, 50, 100, 250, 500, // sub-second: validation, content store hits
	1000, 2500, 5000, 10_000, 30_000, // gateway fetches, slow pins
	60_000, 120_000, 300_000, // ledger confirmation waits
)

// Tag keys
var (
	RecordKindKey, _ = tag.NewKey("kind")
	FailureKey, _    = tag.NewKey("failure")
)

// Measures
var (
	UploadDuration   = stats.Float64("storage/upload_ms", "Duration of a complete upload", stats.UnitMilliseconds)
	DownloadDuration = stats.Float64("storage/download_ms", "Duration of a complete download", stats.UnitMilliseconds)
	UploadFailure    = stats.Int64("storage/upload_failure", "Failed uploads by failure class", stats.UnitDimensionless)
	DownloadFailure  = stats.Int64("storage/download_failure", "Failed downloads by failure class", stats.UnitDimensionless)
	PartialWrite     = stats.Int64("storage/partial_write", "Uploads stored but not registered", stats.UnitDimensionless)
)

// DefaultViews is the set registered at process start.
var DefaultViews = []*view.View{
	{
		Measure:     UploadDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{RecordKindKey},
	},
	{
		Measure:     DownloadDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{RecordKindKey},
	},
	{
		Measure:     UploadFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureKey},
	},
	{
		Measure:     DownloadFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureKey},
	},
	{
		Measure:     PartialWrite,
		Aggregation: view.Count(),
	},
}

// Timer records the elapsed time on m when the returned function runs.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(float64(time.Since(start).Milliseconds())))
		return time.Since(start)
	}
}

// WithKind tags ctx with the record kind.
func WithKind(ctx context.Context, kind string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(RecordKindKey, kind))
	return ctx
}

// RecordFailure bumps m tagged with the failure class.
func RecordFailure(ctx context.Context, m *stats.Int64Measure, class string) {
	ctx, _ = tag.New(ctx, tag.Upsert(FailureKey, class))
	stats.Record(ctx, m.M(1))
}
