// Package jobctl drives one batch lookup job against the server job API:
// start, a sequential step loop, pause/resume/cancel and finalize.
package jobctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ignea/consulta/internal/cnpj"
	"github.com/ignea/consulta/internal/protocol"
)

const DefaultPausePoll = 800 * time.Millisecond

// Transport is the job API as seen by the controller. Every call blocks
// until the server answered.
type Transport interface {
	Start(ctx context.Context, in Input) (protocol.StartJobResponse, error)
	Step(ctx context.Context) (protocol.StepResponse, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	Finalize(ctx context.Context) error
}

// Sleeper waits between pause polls.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Input is one submission: a manual list or an attached file. A file wins
// over the list when both are set.
type Input struct {
	CNPJs string
	File  *File
}

type File struct {
	Name string
	Data []byte
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhasePaused
	PhaseDone
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// State is a snapshot of the controller.
type State struct {
	Active    bool
	Paused    bool
	Cancelled bool
	Processed int
	Total     int
	Phase     Phase
}

type Options struct {
	PausePoll time.Duration
	Sleeper   Sleeper
	Logger    *slog.Logger
}

type Listener func(Event)

type Controller struct {
	transport Transport
	pausePoll time.Duration
	sleeper   Sleeper
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	looping bool

	lmu       sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func New(t Transport, opts Options) *Controller {
	if opts.PausePoll <= 0 {
		opts.PausePoll = DefaultPausePoll
	}
	if opts.Sleeper == nil {
		opts.Sleeper = realSleeper{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		transport: t,
		pausePoll: opts.PausePoll,
		sleeper:   opts.Sleeper,
		log:       opts.Logger,
		listeners: map[int]Listener{},
	}
}

// Subscribe registers l for every future event. Listeners run synchronously
// on the goroutine that caused the transition and must not call back into
// Run.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Controller) emit(ev Event) {
	c.lmu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if l, ok := c.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	c.lmu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Validate checks a submission without touching the network.
func Validate(in Input) error {
	list := strings.TrimSpace(in.CNPJs)
	if list == "" && in.File == nil {
		return &ValidationError{Message: MsgEmptyInput}
	}
	if list != "" && !cnpj.ValidateList(list) {
		return &ValidationError{Message: MsgInvalidChars}
	}
	return nil
}

// Run submits in and drives the job until it is done, cancelled or fails.
// It returns once the loop has exited; a cancelled job returns nil.
func (c *Controller) Run(ctx context.Context, in Input) error {
	if err := Validate(in); err != nil {
		var ve *ValidationError
		errors.As(err, &ve)
		c.emit(ValidationFailed{Message: ve.Message})
		return err
	}
	in.CNPJs = strings.TrimSpace(in.CNPJs)

	c.mu.Lock()
	if c.looping || c.state.Active {
		c.mu.Unlock()
		return ErrJobActive
	}
	c.looping = true
	c.state = State{Active: true, Phase: PhaseRunning}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.looping = false
		c.mu.Unlock()
	}()

	c.emit(Submitted{})
	c.emit(ControlsChanged{Controls: controlsRunning})

	started, err := c.transport.Start(ctx, in)
	if err != nil {
		msg := serverDetail(err)
		if msg == "" {
			msg = MsgStartFailed
		}
		c.reset(PhaseIdle)
		c.log.Warn("job start failed", "error", err)
		c.emit(StartFailed{Message: msg, Err: err})
		c.emit(ControlsChanged{Controls: controlsIdle})
		return &StartError{Message: msg, Err: err}
	}

	total := max(started.Total, 0)
	c.mu.Lock()
	c.state.Total = total
	c.mu.Unlock()
	c.log.Info("job started", "total", total)
	c.emit(Started{Total: total})
	c.emit(Progress{Processed: 0, Total: total})

	stepErr := c.loop(ctx)

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch {
	case stepErr != nil:
		c.reset(PhaseIdle)
		c.emit(ControlsChanged{Controls: controlsIdle})
		if ctx.Err() != nil && errors.Is(stepErr, ctx.Err()) {
			return ctx.Err()
		}
		c.log.Warn("job step failed", "processed", st.Processed, "total", st.Total, "error", stepErr)
		c.emit(StepFailed{Message: stepFailedMessage(stepErr), Err: stepErr})
		return &StepError{Processed: st.Processed, Total: st.Total, Err: stepErr}
	case st.Cancelled:
		c.reset(PhaseCancelled)
		c.emit(ControlsChanged{Controls: controlsIdle})
		c.log.Info("job cancelled", "processed", st.Processed, "total", st.Total)
		return nil
	}

	c.reset(PhaseDone)
	c.emit(ControlsChanged{Controls: controlsIdle})
	c.emit(Done{Processed: st.Processed, Total: st.Total})

	if err := c.transport.Finalize(ctx); err != nil {
		c.log.Error("job finalize failed", "error", err)
		c.emit(FinalizeFailed{Message: MsgFinalizeFailed, Err: err})
		return &FinalizeError{Err: err}
	}
	c.mu.Lock()
	c.state.Phase = PhaseIdle
	c.mu.Unlock()
	c.log.Info("job finalized", "processed", st.Processed, "total", st.Total)
	c.emit(Finalized{Message: MsgFinalized})
	c.emit(ControlsChanged{Controls: Controls{SubmitEnabled: true, Compact: true}})
	return nil
}

func (c *Controller) loop(ctx context.Context) error {
	for {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if !st.Active || st.Cancelled || st.Processed >= st.Total {
			return nil
		}
		if st.Paused {
			if err := c.sleeper.Sleep(ctx, c.pausePoll); err != nil {
				return err
			}
			continue
		}

		resp, err := c.transport.Step(ctx)
		if err != nil {
			if c.cancelledLocally() {
				return nil
			}
			return err
		}
		if c.cancelledLocally() {
			return nil
		}

		switch protocol.NormalizeStepStatus(resp.Status) {
		case protocol.StepStatusPaused:
			if c.markPaused() {
				c.emit(Paused{})
				c.emit(ControlsChanged{Controls: controlsPaused})
			}
		case protocol.StepStatusCancelled:
			c.mu.Lock()
			c.state.Cancelled = true
			c.state.Active = false
			c.mu.Unlock()
			c.emit(Cancelled{Message: MsgCancelled})
			return nil
		case protocol.StepStatusDone:
			p, t := c.advance(resp.Processed)
			c.emit(Progress{Processed: p, Total: t})
			return nil
		case protocol.StepStatusItem:
			if resp.Item == nil {
				return fmt.Errorf("step returned status %q without an item", resp.Status)
			}
			p, t := c.advance(resp.Processed)
			c.emit(ItemReceived{Row: *resp.Item, Processed: p, Total: t})
			c.emit(Progress{Processed: p, Total: t})
		default:
			return fmt.Errorf("step returned unknown status %q", resp.Status)
		}
	}
}

// advance records the processed count reported by the server. The count
// never decreases and never exceeds the total.
func (c *Controller) advance(reported int) (processed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := max(reported, c.state.Processed)
	next = min(next, c.state.Total)
	c.state.Processed = next
	return c.state.Processed, c.state.Total
}

func (c *Controller) markPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Paused {
		return false
	}
	c.state.Paused = true
	c.state.Phase = PhasePaused
	return true
}

func (c *Controller) cancelledLocally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Cancelled
}

func (c *Controller) reset(phase Phase) {
	c.mu.Lock()
	c.state.Active = false
	c.state.Paused = false
	c.state.Phase = phase
	c.mu.Unlock()
}

// Pause stops issuing step calls and asks the server to pause the job.
func (c *Controller) Pause(ctx context.Context) error {
	if !c.markActivePaused() {
		return ErrNotRunning
	}
	c.emit(Paused{})
	c.emit(ControlsChanged{Controls: controlsPaused})
	if err := c.transport.Pause(ctx); err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	return nil
}

func (c *Controller) markActivePaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active || c.state.Cancelled {
		return false
	}
	c.state.Paused = true
	c.state.Phase = PhasePaused
	return true
}

// Resume asks the server to resume and lets the loop issue steps again once
// the server accepted.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	ok := c.state.Active && !c.state.Cancelled
	c.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if err := c.transport.Resume(ctx); err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	c.mu.Lock()
	if !c.state.Active || c.state.Cancelled {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state.Paused = false
	c.state.Phase = PhaseRunning
	c.mu.Unlock()
	c.emit(Resumed{})
	c.emit(ControlsChanged{Controls: controlsRunning})
	return nil
}

// Cancel stops the loop at the next iteration boundary and asks the server
// to discard the job. A cancelled job is never finalized.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.Active || c.state.Cancelled {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state.Cancelled = true
	c.state.Active = false
	c.state.Paused = false
	c.state.Phase = PhaseCancelled
	c.mu.Unlock()

	c.emit(Cancelled{Message: MsgCancelled})
	c.emit(ControlsChanged{Controls: controlsIdle})
	if err := c.transport.Cancel(ctx); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func stepFailedMessage(err error) string {
	if d := serverDetail(err); d != "" {
		return MsgStepFailed + " " + d
	}
	return MsgStepFailed
}
