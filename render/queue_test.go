package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatch struct {
	job Job
	at  time.Time
}

// fakeRenderer accepts every job with sequential ids starting at nextID unless reject is set.
type fakeRenderer struct {
	clock  clockwork.Clock
	calls  chan dispatch
	mu     sync.Mutex
	nextID int64
	reject map[string]error // keyed by job hash
}

func newFakeRenderer(clock clockwork.Clock, firstID int64) *fakeRenderer {
	return &fakeRenderer{clock: clock, calls: make(chan dispatch, 16), nextID: firstID, reject: map[string]error{}}
}

func (f *fakeRenderer) Submit(_ context.Context, job Job) (int64, error) {
	f.calls <- dispatch{job: job, at: f.clock.Now()}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[job.Hash]; ok {
		return 0, err
	}
	id := f.nextID
	f.nextID++
	return id, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	to   []string
}

func (n *recordingNotifier) Notify(_ context.Context, identityID, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.to = append(n.to, identityID)
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func testJob(name string) Job {
	return NewJob("https://example.com/"+name+".osr", name, "id-"+name, time.Time{})
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func nextDispatch(t *testing.T, r *fakeRenderer) dispatch {
	t.Helper()
	select {
	case d := <-r.calls:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return dispatch{}
	}
}

func TestQueue_FIFOWithSpacing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 1)
	q := NewQueue(r, &recordingNotifier{}, 5*time.Second, clock)

	assert.Equal(t, 1, q.Submit(testJob("j1")))
	assert.Equal(t, 2, q.Submit(testJob("j2")))
	assert.Equal(t, 3, q.Submit(testJob("j3")))
	runQueue(t, q)

	var got []dispatch
	got = append(got, nextDispatch(t, r))
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		cancel()
		select {
		case d := <-r.calls:
			t.Fatalf("dispatched %s before spacing elapsed", d.job.DisplayName)
		default:
		}
		clock.Advance(5 * time.Second)
		got = append(got, nextDispatch(t, r))
	}

	require.Len(t, got, 3)
	assert.Equal(t, "j1", got[0].job.DisplayName)
	assert.Equal(t, "j2", got[1].job.DisplayName)
	assert.Equal(t, "j3", got[2].job.DisplayName)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].at.Sub(got[i-1].at), 5*time.Second)
	}
	require.Eventually(t, func() bool { return q.Stats().InFlight == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Stats().Pending)
}

func TestQueue_IdleLoopWakesOnSubmit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 1)
	q := NewQueue(r, &recordingNotifier{}, 5*time.Second, clock)
	runQueue(t, q)

	q.Submit(testJob("late"))
	d := nextDispatch(t, r)
	assert.Equal(t, "late", d.job.DisplayName)
}

func TestQueue_RejectionNotifiesWithoutInFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 1)
	n := &recordingNotifier{}
	q := NewQueue(r, n, time.Second, clock)

	j1 := testJob("j1")
	r.reject[j1.Hash] = &RejectError{Code: 2, Message: "invalid format"}
	q.Submit(j1)
	runQueue(t, q)
	nextDispatch(t, r)

	require.Eventually(t, func() bool { return len(n.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, n.messages()[0], "invalid format")
	assert.Equal(t, "id-j1", n.to[0])
	assert.Zero(t, q.Stats().InFlight)
	assert.Empty(t, q.InFlight())
}

func TestQueue_TransportErrorContinues(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 7)
	n := &recordingNotifier{}
	q := NewQueue(r, n, time.Second, clock)

	bad := testJob("bad")
	r.reject[bad.Hash] = errors.New("dial tcp: connection refused")
	q.Submit(bad)
	q.Submit(testJob("good"))
	runQueue(t, q)

	nextDispatch(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	d := nextDispatch(t, r)
	assert.Equal(t, "good", d.job.DisplayName)

	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)
	msgs := n.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "could not be reached")
}

func TestQueue_ResolveExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 42)
	n := &recordingNotifier{}
	q := NewQueue(r, n, time.Second, clock)

	q.Submit(testJob("j1"))
	runQueue(t, q)
	nextDispatch(t, r)
	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, q.Resolve(context.Background(), 42, Done("X")))
	assert.False(t, q.Resolve(context.Background(), 42, Done("X")))

	msgs := n.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "X")
	assert.Zero(t, q.Stats().InFlight)
}

func TestQueue_ResolveUnknownIsNoop(t *testing.T) {
	n := &recordingNotifier{}
	q := NewQueue(newFakeRenderer(clockwork.NewFakeClock(), 1), n, time.Second, clockwork.NewFakeClock())

	assert.NotPanics(t, func() {
		assert.False(t, q.Resolve(context.Background(), 999, Failed(5, "boom")))
	})
	assert.Empty(t, n.messages())
}

func TestQueue_ResolveFailureCarriesMessage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 5)
	n := &recordingNotifier{}
	q := NewQueue(r, n, time.Second, clock)
	q.Submit(testJob("j1"))
	runQueue(t, q)
	nextDispatch(t, r)
	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, q.Resolve(context.Background(), 5, Failed(15, "beatmap not found")))
	assert.Equal(t, []string{"Render failed: beatmap not found"}, n.messages())
}

// racingRenderer delivers the completion event before Submit returns the render id.
type racingRenderer struct {
	q       *Queue
	id      int64
	outcome Outcome
}

func (r *racingRenderer) Submit(ctx context.Context, _ Job) (int64, error) {
	r.q.Resolve(ctx, r.id, r.outcome)
	return r.id, nil
}

func TestQueue_CompletionBeforeSubmitReturns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := &recordingNotifier{}
	r := &racingRenderer{id: 77, outcome: Failed(2, "replay corrupted")}
	q := NewQueue(r, n, time.Second, clock)
	r.q = q

	q.dispatch(context.Background(), testJob("fast"), clock.Now())

	assert.Equal(t, []string{"Render failed: replay corrupted"}, n.messages())
	assert.Zero(t, q.Stats().InFlight)
	assert.Empty(t, q.early)
	assert.False(t, q.Resolve(context.Background(), 77, Done("late")), "outcome must not be delivered twice")
	assert.Len(t, n.messages(), 1)
}

func TestQueue_UnknownCompletionNotHeldWhileIdle(t *testing.T) {
	q := NewQueue(newFakeRenderer(clockwork.NewFakeClock(), 1), &recordingNotifier{}, time.Second, clockwork.NewFakeClock())

	assert.False(t, q.Resolve(context.Background(), 5, Done("x")))
	assert.Empty(t, q.early)
}

func TestQueue_SweepEvictsOldEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newFakeRenderer(clock, 1)
	n := &recordingNotifier{}
	q := NewQueue(r, n, time.Second, clock)

	q.Submit(testJob("old"))
	runQueue(t, q)
	nextDispatch(t, r)
	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(30 * time.Minute)
	assert.Zero(t, q.Sweep(context.Background(), time.Hour))
	assert.Zero(t, q.Sweep(context.Background(), 0), "non-positive max age disables sweeping")

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, q.Sweep(context.Background(), time.Hour))
	assert.Zero(t, q.Stats().InFlight)
	msgs := n.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.Contains(msgs[0], "timed out"))

	assert.False(t, q.Resolve(context.Background(), 1, Done("late")), "late completion after eviction is a no-op")
}

func TestQueue_PositionAndInFlightListing(t *testing.T) {
	q := NewQueue(newFakeRenderer(clockwork.NewFakeClock(), 1), nil, time.Second, clockwork.NewFakeClock())
	q.Submit(testJob("a"))
	q.Submit(testJob("b"))

	assert.Equal(t, 2, q.Position("id-b"))
	assert.Zero(t, q.Position("id-zzz"))
	assert.Equal(t, Stats{Pending: 2}, q.Stats())
}
