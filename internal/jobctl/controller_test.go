package jobctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignea/consulta/internal/protocol"
)

type detailErr struct{ detail string }

func (e detailErr) Error() string        { return "server rejected: " + e.detail }
func (e detailErr) ServerDetail() string { return e.detail }

// fakeTransport replays scripted step responses and records every call.
type fakeTransport struct {
	mu       sync.Mutex
	total    int
	startErr error
	steps    []stepResult
	// onStep runs before the step at index i is returned.
	onStep      func(i int)
	finalizeErr error

	starts    []Input
	stepCalls int
	pauses    int
	resumes   int
	cancels   int
	finalizes int
}

type stepResult struct {
	resp protocol.StepResponse
	err  error
}

func (f *fakeTransport) Start(_ context.Context, in Input) (protocol.StartJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, in)
	if f.startErr != nil {
		return protocol.StartJobResponse{}, f.startErr
	}
	return protocol.StartJobResponse{Total: f.total}, nil
}

func (f *fakeTransport) Step(context.Context) (protocol.StepResponse, error) {
	f.mu.Lock()
	i := f.stepCalls
	f.stepCalls++
	hook := f.onStep
	f.mu.Unlock()
	if hook != nil {
		hook(i)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.steps) {
		return protocol.StepResponse{Status: protocol.StepStatusDone, Processed: f.total, Total: f.total}, nil
	}
	return f.steps[i].resp, f.steps[i].err
}

func (f *fakeTransport) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeTransport) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

func (f *fakeTransport) Cancel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeTransport) Finalize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++
	return f.finalizeErr
}

func (f *fakeTransport) calls() (steps, finalizes, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepCalls, f.finalizes, f.cancels
}

func itemStep(cnpj string, processed, total int) stepResult {
	return stepResult{resp: protocol.StepResponse{
		Status:    protocol.StepStatusItem,
		Item:      &protocol.ResultRow{CNPJ: cnpj, Nome: "Empresa " + cnpj, Email: "x@example.com"},
		Processed: processed,
		Total:     total,
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestController(t *testing.T, tr Transport, sleeper Sleeper) (*Controller, *recorder) {
	t.Helper()
	if sleeper == nil {
		sleeper = SleeperFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	}
	c := New(tr, Options{
		PausePoll: time.Millisecond,
		Sleeper:   sleeper,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := &recorder{}
	t.Cleanup(c.Subscribe(rec.listen))
	return c, rec
}

func eventsOf[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestRunProcessesAllItemsAndFinalizes(t *testing.T) {
	tr := &fakeTransport{
		total: 3,
		steps: []stepResult{
			itemStep("11111111000111", 1, 3),
			itemStep("22222222000122", 2, 3),
			itemStep("33333333000133", 3, 3),
		},
	}
	c, rec := newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "11111111000111, 22222222000122,33333333000133"}))

	events := rec.snapshot()
	items := eventsOf[ItemReceived](events)
	require.Len(t, items, 3)
	require.Equal(t, "22222222000122", items[1].Row.CNPJ)

	progress := eventsOf[Progress](events)
	require.Equal(t, "Progresso: 3/3", progress[len(progress)-1].Text())
	require.Len(t, eventsOf[Finalized](events), 1)

	steps, finalizes, _ := tr.calls()
	require.Equal(t, 3, steps, "loop must stop once processed reaches total")
	require.Equal(t, 1, finalizes)

	st := c.State()
	require.False(t, st.Active)
	require.Equal(t, 3, st.Processed)
	require.Equal(t, PhaseIdle, st.Phase)
}

func TestRunRejectsInvalidInputWithoutNetwork(t *testing.T) {
	for name, tc := range map[string]struct {
		in   Input
		want string
	}{
		"empty":       {Input{CNPJs: "   "}, MsgEmptyInput},
		"punctuation": {Input{CNPJs: "12.345.678/0001-99"}, MsgInvalidChars},
		"letters":     {Input{CNPJs: "abc"}, MsgInvalidChars},
	} {
		t.Run(name, func(t *testing.T) {
			tr := &fakeTransport{total: 1}
			c, rec := newTestController(t, tr, nil)

			err := c.Run(context.Background(), tc.in)
			require.ErrorIs(t, err, ErrValidation)
			require.Empty(t, tr.starts)

			failed := eventsOf[ValidationFailed](rec.snapshot())
			require.Len(t, failed, 1)
			require.Equal(t, tc.want, failed[0].Message)
		})
	}
}

func TestRunAcceptsFileWithoutList(t *testing.T) {
	tr := &fakeTransport{total: 0}
	c, _ := newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{File: &File{Name: "lote.csv", Data: []byte("cnpj\n")}}))
	require.Len(t, tr.starts, 1)
	require.Equal(t, "lote.csv", tr.starts[0].File.Name)

	steps, finalizes, _ := tr.calls()
	require.Zero(t, steps)
	require.Equal(t, 1, finalizes)
}

func TestStartFailureUsesServerDetail(t *testing.T) {
	tr := &fakeTransport{startErr: detailErr{detail: "Tipo de arquivo não suportado. Envie CSV ou XLSX."}}
	c, rec := newTestController(t, tr, nil)

	err := c.Run(context.Background(), Input{CNPJs: "11111111000111"})
	var se *StartError
	require.ErrorAs(t, err, &se)

	failed := eventsOf[StartFailed](rec.snapshot())
	require.Len(t, failed, 1)
	require.Equal(t, "Tipo de arquivo não suportado. Envie CSV ou XLSX.", failed[0].Message)

	controls := eventsOf[ControlsChanged](rec.snapshot())
	require.True(t, controls[len(controls)-1].Controls.SubmitEnabled)
	require.False(t, c.State().Active)
}

func TestStartFailureFallsBackToGenericMessage(t *testing.T) {
	tr := &fakeTransport{startErr: errors.New("connection refused")}
	c, rec := newTestController(t, tr, nil)

	require.Error(t, c.Run(context.Background(), Input{CNPJs: "11111111000111"}))
	failed := eventsOf[StartFailed](rec.snapshot())
	require.Equal(t, MsgStartFailed, failed[0].Message)
}

func TestProcessedNeverDecreasesNorExceedsTotal(t *testing.T) {
	tr := &fakeTransport{
		total: 3,
		steps: []stepResult{
			itemStep("11111111000111", 2, 3),
			itemStep("22222222000122", 1, 3),
			itemStep("33333333000133", 9, 3),
		},
	}
	c, rec := newTestController(t, tr, nil)
	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))

	last := 0
	for _, p := range eventsOf[Progress](rec.snapshot()) {
		require.GreaterOrEqual(t, p.Processed, last)
		require.LessOrEqual(t, p.Processed, p.Total)
		last = p.Processed
	}
	require.Equal(t, 3, last)
}

func TestPausedStatusStallsUntilResume(t *testing.T) {
	tr := &fakeTransport{
		total: 2,
		steps: []stepResult{
			itemStep("11111111000111", 1, 2),
			{resp: protocol.StepResponse{Status: protocol.StepStatusPaused, Processed: 1, Total: 2}},
			itemStep("22222222000122", 2, 2),
		},
	}

	var c *Controller
	sleeps := 0
	stepsWhilePaused := -1
	sleeper := SleeperFunc(func(ctx context.Context, d time.Duration) error {
		sleeps++
		steps, _, _ := tr.calls()
		if stepsWhilePaused < 0 {
			stepsWhilePaused = steps
		}
		require.Equal(t, stepsWhilePaused, steps, "no step call may be issued while paused")
		require.Equal(t, time.Millisecond, d)
		if sleeps == 3 {
			require.NoError(t, c.Resume(ctx))
		}
		return nil
	})
	c, rec := newTestController(t, tr, sleeper)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1,2"}))
	require.Equal(t, 3, sleeps)

	events := rec.snapshot()
	require.Len(t, eventsOf[Paused](events), 1)
	require.Len(t, eventsOf[Resumed](events), 1)
	require.Len(t, eventsOf[ItemReceived](events), 2)
	require.Equal(t, 1, tr.resumes)
}

func TestLocalPauseStopsStepping(t *testing.T) {
	tr := &fakeTransport{
		total: 2,
		steps: []stepResult{
			itemStep("11111111000111", 1, 2),
			itemStep("22222222000122", 2, 2),
		},
	}
	var c *Controller
	tr.onStep = func(i int) {
		if i == 0 {
			require.NoError(t, c.Pause(context.Background()))
		}
	}
	sleeps := 0
	sleeper := SleeperFunc(func(ctx context.Context, _ time.Duration) error {
		sleeps++
		steps, _, _ := tr.calls()
		require.Equal(t, 1, steps)
		require.Equal(t, PhasePaused, c.State().Phase)
		return c.Resume(ctx)
	})
	c, _ = newTestController(t, tr, sleeper)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))
	require.Equal(t, 1, sleeps)
	require.Equal(t, 1, tr.pauses)
}

// overlapTransport tracks how many Step calls run at the same time.
type overlapTransport struct {
	*fakeTransport
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (o *overlapTransport) Step(ctx context.Context) (protocol.StepResponse, error) {
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		m := o.maxInFlight.Load()
		if n <= m || o.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(50 * time.Microsecond)
	return o.fakeTransport.Step(ctx)
}

func TestOneStepInFlightUnderConcurrentControls(t *testing.T) {
	const total = 50
	steps := make([]stepResult, total)
	for i := range steps {
		steps[i] = itemStep(fmt.Sprintf("%014d", i+1), i+1, total)
	}
	tr := &overlapTransport{fakeTransport: &fakeTransport{total: total, steps: steps}}
	c, rec := newTestController(t, tr, realSleeper{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.Pause(ctx)
			_ = c.Resume(ctx)
		}
	}()

	err := c.Run(context.Background(), Input{CNPJs: "1"})
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	require.EqualValues(t, 1, tr.maxInFlight.Load())
	require.Equal(t, total, c.State().Processed)
	require.Len(t, eventsOf[ItemReceived](rec.snapshot()), total)
	_, finalizes, _ := tr.calls()
	require.Equal(t, 1, finalizes)
}

func TestCancelStopsLoopWithoutFinalize(t *testing.T) {
	tr := &fakeTransport{
		total: 5,
		steps: []stepResult{
			itemStep("11111111000111", 1, 5),
			itemStep("22222222000122", 2, 5),
			itemStep("33333333000133", 3, 5),
		},
	}
	var c *Controller
	tr.onStep = func(i int) {
		if i == 1 {
			require.NoError(t, c.Cancel(context.Background()))
		}
	}
	c, rec := newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))

	steps, finalizes, cancels := tr.calls()
	require.Equal(t, 2, steps, "cancel must stop further step calls")
	require.Zero(t, finalizes)
	require.Equal(t, 1, cancels)

	events := rec.snapshot()
	require.Len(t, eventsOf[ItemReceived](events), 1, "in-flight result after cancel is discarded")
	cancelled := eventsOf[Cancelled](events)
	require.Len(t, cancelled, 1)
	require.Equal(t, MsgCancelled, cancelled[0].Message)
	require.Equal(t, PhaseCancelled, c.State().Phase)
}

func TestServerCancelledStatusEndsWithoutFinalize(t *testing.T) {
	tr := &fakeTransport{
		total: 2,
		steps: []stepResult{
			{resp: protocol.StepResponse{Status: protocol.StepStatusCancelled}},
		},
	}
	c, _ := newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))
	_, finalizes, _ := tr.calls()
	require.Zero(t, finalizes)
	require.Equal(t, PhaseCancelled, c.State().Phase)
}

func TestDoneStatusRecordsFinalCount(t *testing.T) {
	tr := &fakeTransport{
		total: 3,
		steps: []stepResult{
			itemStep("11111111000111", 1, 3),
			{resp: protocol.StepResponse{Status: protocol.StepStatusDone, Processed: 2, Total: 3}},
		},
	}
	c, rec := newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))
	done := eventsOf[Done](rec.snapshot())
	require.Len(t, done, 1)
	require.Equal(t, 2, done[0].Processed)
	_, finalizes, _ := tr.calls()
	require.Equal(t, 1, finalizes)
}

func TestRunningStatusIsTreatedAsItem(t *testing.T) {
	step := itemStep("11111111000111", 1, 1)
	step.resp.Status = protocol.StepStatusRunning
	tr := &fakeTransport{total: 1, steps: []stepResult{step}}
	c, rec := newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))
	require.Len(t, eventsOf[ItemReceived](rec.snapshot()), 1)
}

func TestStepFailureReturnsToIdleWithoutFinalize(t *testing.T) {
	tr := &fakeTransport{
		total: 2,
		steps: []stepResult{
			itemStep("11111111000111", 1, 2),
			{err: detailErr{detail: "Nenhum job em andamento."}},
		},
	}
	c, rec := newTestController(t, tr, nil)

	err := c.Run(context.Background(), Input{CNPJs: "1"})
	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 1, se.Processed)

	failed := eventsOf[StepFailed](rec.snapshot())
	require.Len(t, failed, 1)
	require.Equal(t, MsgStepFailed+" Nenhum job em andamento.", failed[0].Message)

	_, finalizes, _ := tr.calls()
	require.Zero(t, finalizes)
	st := c.State()
	require.False(t, st.Active)
	require.Equal(t, PhaseIdle, st.Phase)

	controls := eventsOf[ControlsChanged](rec.snapshot())
	last := controls[len(controls)-1].Controls
	require.True(t, last.SubmitEnabled)
	require.False(t, last.PauseVisible || last.ResumeVisible || last.CancelVisible)
}

func TestItemWithoutPayloadIsStepFailure(t *testing.T) {
	tr := &fakeTransport{
		total: 1,
		steps: []stepResult{{resp: protocol.StepResponse{Status: protocol.StepStatusItem, Processed: 1, Total: 1}}},
	}
	c, _ := newTestController(t, tr, nil)

	var se *StepError
	require.ErrorAs(t, c.Run(context.Background(), Input{CNPJs: "1"}), &se)
}

func TestFinalizeFailureIsReported(t *testing.T) {
	tr := &fakeTransport{total: 0, finalizeErr: errors.New("boom")}
	c, rec := newTestController(t, tr, nil)

	var fe *FinalizeError
	require.ErrorAs(t, c.Run(context.Background(), Input{CNPJs: "1"}), &fe)
	require.Len(t, eventsOf[FinalizeFailed](rec.snapshot()), 1)
	require.Empty(t, eventsOf[Finalized](rec.snapshot()))
}

func TestSecondRunWhileActiveIsRejected(t *testing.T) {
	tr := &fakeTransport{total: 1, steps: []stepResult{itemStep("11111111000111", 1, 1)}}
	var c *Controller
	var nested error
	tr.onStep = func(int) {
		nested = c.Run(context.Background(), Input{CNPJs: "2"})
	}
	c, _ = newTestController(t, tr, nil)

	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "1"}))
	require.ErrorIs(t, nested, ErrJobActive)
	require.Len(t, tr.starts, 1)

	// a finished controller accepts a new submission and resets its counters
	tr.onStep = nil
	tr.mu.Lock()
	tr.stepCalls = 0
	tr.mu.Unlock()
	require.NoError(t, c.Run(context.Background(), Input{CNPJs: "3"}))
	require.Equal(t, 1, c.State().Processed)
}

func TestControlCallsRequireActiveJob(t *testing.T) {
	c, _ := newTestController(t, &fakeTransport{}, nil)
	require.ErrorIs(t, c.Pause(context.Background()), ErrNotRunning)
	require.ErrorIs(t, c.Resume(context.Background()), ErrNotRunning)
	require.ErrorIs(t, c.Cancel(context.Background()), ErrNotRunning)
}

func TestContextCancellationWhilePausedEndsRun(t *testing.T) {
	tr := &fakeTransport{
		total: 2,
		steps: []stepResult{{resp: protocol.StepResponse{Status: protocol.StepStatusPaused}}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := SleeperFunc(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})
	c, rec := newTestController(t, tr, sleeper)

	err := c.Run(ctx, Input{CNPJs: "1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, eventsOf[StepFailed](rec.snapshot()))
	require.False(t, c.State().Active)
}

func TestRealSleeperHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, realSleeper{}.Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, realSleeper{}.Sleep(context.Background(), time.Millisecond))
}
