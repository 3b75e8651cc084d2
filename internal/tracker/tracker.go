// Package tracker turns a worker's output lines and exit code into the job's
// structured lifecycle record.
//
// The primary stream, the diagnostic stream and the exit notification arrive
// independently. Each is applied through jobs.Registry.Update, which holds the
// job's lock, so exactly one of them can move a job to its terminal state.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jo-hoe/reposter/internal/classifier"
	"github.com/jo-hoe/reposter/internal/config"
	"github.com/jo-hoe/reposter/internal/jobs"
)

// Tracker applies worker signals to records in a jobs.Registry.
type Tracker struct {
	log        *slog.Logger
	registry   *jobs.Registry
	classifier *classifier.Classifier
	resolver   *Resolver
	clock      Clock
	debounce   time.Duration
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces the system clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// New builds a Tracker from tracker settings.
func New(log *slog.Logger, registry *jobs.Registry, cfg config.TrackerConfig, opts ...Option) *Tracker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	t := &Tracker{
		log:        log,
		registry:   registry,
		classifier: classifier.New(cfg.Keywords),
		resolver:   NewResolver(cfg.SuccessIndicators),
		clock:      RealClock{},
		debounce:   cfg.DebounceWindow,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// HandleOutput records a line from the worker's primary stream and applies its event.
func (t *Tracker) HandleOutput(id, line string) {
	ev := t.classifier.Classify(line)
	var finalized bool
	err := t.registry.Update(id, func(j *jobs.Job) {
		j.Log = append(j.Log, line)
		finalized = Apply(j, ev, t.clock.Now())
	})
	if t.dropped(id, err) {
		return
	}
	log := t.log.With("job_id", id)
	log.Debug("worker output", "stream", "stdout", "line", line)
	if ev.Kind != classifier.None {
		log.Debug("event classified", "kind", ev.Kind, "origin", ev.Origin)
	}
	if finalized {
		t.logFinal(id, "stream")
	}
}

// HandleDiagnostic records a line from the worker's diagnostic stream.
func (t *Tracker) HandleDiagnostic(id, line string) {
	err := t.registry.Update(id, func(j *jobs.Job) {
		RecordDiagnostic(j, line)
	})
	if t.dropped(id, err) {
		return
	}
	t.log.Debug("worker output", "job_id", id, "stream", "stderr", "line", line)
}

// HandleExit resolves the job after its worker exited with code. Unless the
// stream already finished the job, it waits out the debounce window first so
// that lines still in flight are applied before the verdict. A cancelled ctx
// cuts the wait short; the job is still resolved.
func (t *Tracker) HandleExit(ctx context.Context, id string, code int) {
	snap, ok := t.registry.Get(id)
	if !ok {
		t.dropped(id, jobs.ErrNotFound)
		return
	}
	if snap.Completed {
		t.log.Debug("exit after completion", "job_id", id, "code", code)
		return
	}

	if t.debounce > 0 {
		select {
		case <-t.clock.After(t.debounce):
		case <-ctx.Done():
		}
	}

	var finalized bool
	err := t.registry.Update(id, func(j *jobs.Job) {
		finalized = t.resolver.Resolve(j, code, t.clock.Now())
	})
	if t.dropped(id, err) {
		return
	}
	if finalized {
		t.logFinal(id, "exit")
	}
}

// Abort fails a job that never got a worker, e.g. because it could not be
// scheduled or its process did not start.
func (t *Tracker) Abort(id, reason string) {
	var finalized bool
	err := t.registry.Update(id, func(j *jobs.Job) {
		finalized = j.Finish(false, reason, t.clock.Now())
	})
	if t.dropped(id, err) {
		return
	}
	if finalized {
		t.logFinal(id, "abort")
	}
}

// dropped logs and reports events addressed to an unknown job.
func (t *Tracker) dropped(id string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jobs.ErrNotFound) {
		t.log.Warn("event for unknown job dropped", "job_id", id)
	} else {
		t.log.Error("apply event", "job_id", id, "err", err)
	}
	return true
}

func (t *Tracker) logFinal(id, via string) {
	snap, _ := t.registry.Get(id)
	t.log.Info("job finalized", "job_id", id, "via", via, "success", snap.Success, "error", snap.Error)
}
