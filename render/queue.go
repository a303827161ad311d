package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/osu-tender/telemetry"
)

// Renderer submits a job to the render service and returns its assigned render id.
// A synchronous refusal is reported as *RejectError.
type Renderer interface {
	Submit(ctx context.Context, job Job) (int64, error)
}

// Notifier delivers a message to the chat identity that submitted a job.
type Notifier interface {
	Notify(ctx context.Context, identityID, msg string)
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// Queue is a FIFO of render jobs drained by a single dispatch loop (Run). Accepted jobs
// stay in an in-flight index keyed by render id until Resolve or Sweep removes them.
type Queue struct {
	renderer Renderer
	notifier Notifier
	clock    clockwork.Clock
	spacing  time.Duration

	mu       sync.Mutex
	pending  []Job
	inflight map[int64]InFlightJob
	wake     chan struct{}

	// While a submission is outstanding, completions for unknown ids are held in early so
	// an event that beats Submit's response is not lost.
	dispatching bool
	early       map[int64]Outcome
}

// maxEarlyOutcomes caps completions held during one submission.
const maxEarlyOutcomes = 256

// NewQueue builds a queue that starts dispatches at least spacing apart. A nil clock means
// the real clock.
func NewQueue(renderer Renderer, notifier Notifier, spacing time.Duration, clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		renderer: renderer,
		notifier: notifier,
		clock:    clock,
		spacing:  spacing,
		inflight: make(map[int64]InFlightJob),
		wake:     make(chan struct{}, 1),
		early:    make(map[int64]Outcome),
	}
}

// Submit appends job to the pending list and returns its 1-based position.
func (q *Queue) Submit(job Job) int {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = q.clock.Now()
	}
	q.mu.Lock()
	q.pending = append(q.pending, job)
	pos := len(q.pending)
	q.mu.Unlock()

	telemetry.RendersSubmitted.Inc()
	telemetry.PendingGauge.Set(float64(pos))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return pos
}

// Run drains the pending list until ctx is cancelled. Jobs left pending at cancellation
// are dropped with the process.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("render queue starting", slog.Duration("spacing", q.spacing), slog.String("component", "render_queue"))
	var last time.Time
	for {
		if q.pendingLen() == 0 {
			select {
			case <-ctx.Done():
				slog.Info("render queue stopped", slog.String("component", "render_queue"))
				return
			case <-q.wake:
				continue
			}
		}
		if !last.IsZero() {
			if wait := q.spacing - q.clock.Since(last); wait > 0 {
				select {
				case <-ctx.Done():
					slog.Info("render queue stopped", slog.String("component", "render_queue"))
					return
				case <-q.clock.After(wait):
				}
			}
		}
		job, ok := q.pop()
		if !ok {
			continue
		}
		last = q.clock.Now()
		q.dispatch(ctx, job, last)
	}
}

func (q *Queue) pendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending[0] = Job{}
	q.pending = q.pending[1:]
	telemetry.PendingGauge.Set(float64(len(q.pending)))
	return job, true
}

func (q *Queue) dispatch(ctx context.Context, job Job, at time.Time) {
	ctx, span := telemetry.StartDispatchSpan(ctx, job.Hash, job.IdentityID)
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "render_queue"), slog.String("hash", job.Hash), slog.String("identity", job.IdentityID))

	q.mu.Lock()
	q.dispatching = true
	q.mu.Unlock()

	id, err := q.renderer.Submit(ctx, job)

	q.mu.Lock()
	q.dispatching = false
	early, resolved := q.early[id]
	clear(q.early)
	if err == nil && !resolved {
		if _, dup := q.inflight[id]; dup {
			logger.Warn("render id reused while still in flight", slog.Int64("render_id", id))
		}
		q.inflight[id] = InFlightJob{Job: job, RenderID: id, DispatchedAt: at}
	}
	n := len(q.inflight)
	q.mu.Unlock()

	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.RendersDispatched.WithLabelValues("rejected").Inc()
		logger.Warn("render submission failed", slog.Any("err", err))
		q.notify(ctx, job.IdentityID, "Render failed: "+rejectionReason(err))
		return
	}
	telemetry.SetSpanSuccess(span)
	span.SetAttributes(telemetry.RenderIDAttr(id))
	telemetry.RendersDispatched.WithLabelValues("accepted").Inc()
	if resolved {
		logger.Info("render completed before submission returned", slog.Int64("render_id", id))
		q.deliver(ctx, InFlightJob{Job: job, RenderID: id, DispatchedAt: at}, early)
		return
	}
	telemetry.InFlightGauge.Set(float64(n))
	logger.Info("render accepted", slog.Int64("render_id", id))
}

func rejectionReason(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Message
	}
	return "the render service could not be reached"
}

// Resolve delivers outcome for render id exactly once. It reports false for ids that are
// unknown or already resolved.
func (q *Queue) Resolve(ctx context.Context, id int64, outcome Outcome) bool {
	q.mu.Lock()
	job, ok := q.inflight[id]
	if ok {
		delete(q.inflight, id)
	} else if q.dispatching && len(q.early) < maxEarlyOutcomes {
		q.early[id] = outcome
	}
	n := len(q.inflight)
	q.mu.Unlock()
	if !ok {
		slog.Debug("completion for unknown render ignored", slog.Int64("render_id", id), slog.String("component", "render_queue"))
		return false
	}
	telemetry.InFlightGauge.Set(float64(n))
	q.deliver(ctx, job, outcome)
	return true
}

func (q *Queue) deliver(ctx context.Context, job InFlightJob, outcome Outcome) {
	telemetry.RenderLatency.Observe(q.clock.Since(job.DispatchedAt).Seconds())
	if outcome.Success {
		telemetry.RendersResolved.WithLabelValues("done").Inc()
		q.notify(ctx, job.IdentityID, fmt.Sprintf("Your replay render is ready: %s", outcome.VideoURL))
		return
	}
	telemetry.RendersResolved.WithLabelValues("failed").Inc()
	msg := outcome.Message
	if msg == "" {
		msg = "unknown error"
	}
	q.notify(ctx, job.IdentityID, "Render failed: "+msg)
}

// Sweep evicts in-flight jobs dispatched at least maxAge ago and tells their submitters
// the render timed out. It returns the number evicted.
func (q *Queue) Sweep(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := q.clock.Now()
	var expired []InFlightJob
	q.mu.Lock()
	for id, job := range q.inflight {
		if now.Sub(job.DispatchedAt) >= maxAge {
			expired = append(expired, job)
			delete(q.inflight, id)
		}
	}
	n := len(q.inflight)
	q.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	telemetry.InFlightGauge.Set(float64(n))
	telemetry.RendersResolved.WithLabelValues("expired").Add(float64(len(expired)))
	for _, job := range expired {
		slog.Warn("in-flight render expired without completion event", slog.Int64("render_id", job.RenderID), slog.String("component", "render_queue"))
		q.notify(ctx, job.IdentityID, fmt.Sprintf("Render #%d timed out without a result. Please try again.", job.RenderID))
	}
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is cancelled. A non-positive maxAge
// disables it.
func (q *Queue) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := q.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			q.Sweep(ctx, maxAge)
		}
	}
}

// Stats returns pending and in-flight counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), InFlight: len(q.inflight)}
}

// InFlight lists in-flight jobs, oldest dispatch first.
func (q *Queue) InFlight() []InFlightJob {
	q.mu.Lock()
	out := make([]InFlightJob, 0, len(q.inflight))
	for _, j := range q.inflight {
		out = append(out, j)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DispatchedAt.Equal(out[j].DispatchedAt) {
			return out[i].RenderID < out[j].RenderID
		}
		return out[i].DispatchedAt.Before(out[j].DispatchedAt)
	})
	return out
}

// Position returns the 1-based pending position of the first job from identityID, 0 if none.
func (q *Queue) Position(identityID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.pending {
		if j.IdentityID == identityID {
			return i + 1
		}
	}
	return 0
}

func (q *Queue) notify(ctx context.Context, identityID, msg string) {
	if q.notifier == nil || identityID == "" {
		return
	}
	q.notifier.Notify(ctx, identityID, msg)
}
