package changelist

import (
	"context"
	"time"
)

// File resolution outcomes reported to a Recorder.
const (
	OutcomeFetched  = "fetched"
	OutcomeExcluded = "excluded"
	OutcomeFailed   = "failed"
)

// Recorder receives fetch metrics. observability.FetchMetrics implements it.
type Recorder interface {
	// FilesResolved counts n files resolved with the given outcome.
	FilesResolved(ctx context.Context, outcome string, n int)
	// BatchPrinted records one print call.
	BatchPrinted(ctx context.Context, files int, bytes int64, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) FilesResolved(context.Context, string, int) {}
func (nopRecorder) BatchPrinted(context.Context, int, int64, time.Duration) {}
