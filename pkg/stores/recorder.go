package stores

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/engine"
)

// Recorder is an engine.Observer that writes every run and resource
// outcome to the store. Write failures are logged and never affect the run.
type Recorder struct {
	engine.NopObserver

	store    *SQLiteStore
	manifest string
	host     string

	mu       sync.Mutex
	position int
	failure  *string
}

var _ engine.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder for runs of the named manifest on host.
func NewRecorder(store *SQLiteStore, manifest, host string) *Recorder {
	return &Recorder{store: store, manifest: manifest, host: host}
}

// RunStarted implements engine.Observer.
func (r *Recorder) RunStarted(ctx context.Context, run *engine.Run) context.Context {
	r.mu.Lock()
	r.position = 0
	r.failure = nil
	r.mu.Unlock()

	rec := &RunRecord{
		ID:        run.ID,
		Manifest:  r.manifest,
		Source:    run.Source,
		Host:      r.host,
		Status:    run.Status,
		StartedAt: run.StartedAt,
		Total:     run.Total,
	}
	if err := r.store.CreateRun(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record run")
	}
	return ctx
}

// ResourceFinished implements engine.Observer.
func (r *Recorder) ResourceFinished(ctx context.Context, run *engine.Run, result *engine.ExecutionResult) {
	r.mu.Lock()
	position := r.position
	r.position++
	if result.Error != nil {
		msg := result.Error.Error()
		r.failure = &msg
	}
	r.mu.Unlock()

	rec := NewResultRecord(run.ID, position, result)
	if err := r.store.AppendResult(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).
			Str("run_id", run.ID).
			Str("resource", rec.ID()).
			Msg("failed to record result")
	}
}

// RunFinished implements engine.Observer.
func (r *Recorder) RunFinished(ctx context.Context, run *engine.Run) {
	r.mu.Lock()
	failure := r.failure
	r.mu.Unlock()

	if failure == nil && run.Status == engine.RunStatusCancelled {
		msg := "run cancelled"
		failure = &msg
	}
	if err := r.store.FinishRun(context.WithoutCancel(ctx), run, failure); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record run completion")
	}
}
