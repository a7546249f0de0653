// Package progress reports the lifecycle of long-running work as a series
// of Start, Step and End events.
//
// The scoped form guarantees an End event once a Start was emitted:
//
//	op := progress.New(bus, src, id, "Copying files", len(files))
//	err := op.Run(func(op *progress.Operation) error {
//		for _, f := range files {
//			if err := copyFile(f); err != nil {
//				return err
//			}
//			if err := op.Step(); err != nil {
//				return err
//			}
//		}
//		return nil
//	})
//
// For differentiated failure reporting, call Start, Step and End directly:
//
//	op.Start()
//	if err := work(); errors.Is(err, errPartial) {
//		op.End(events.ExitWarning, progress.WithMessage("Partial copy"))
//	} else if err != nil {
//		op.End(events.ExitError, progress.WithMessage(err.Error()))
//	} else {
//		op.End(events.ExitNormal, progress.WithMessage("Success"))
//	}
package progress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jdmarch/encore/internal/events"
)

// ErrInvalidState is returned when an operation is stepped or ended
// without having been started.
var ErrInvalidState = errors.New("progress operation not running")

// State of an operation.
type State int

const (
	NotStarted State = iota
	Running
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Operation tracks one unit of work and emits its progress events.
type Operation struct {
	emitter   events.Emitter
	source    any
	id        string
	message   string
	steps     int
	fields    map[string]any
	startType events.Type
	stepType  events.Type
	endType   events.Type

	mu    sync.Mutex
	state State
	count int
}

// Option configures an Operation.
type Option func(*Operation)

// WithFields attaches extra fields to every event the operation emits.
func WithFields(fields map[string]any) Option {
	return func(o *Operation) {
		for k, v := range fields {
			o.fields[k] = v
		}
	}
}

// WithEventTypes overrides the event types used for start, step and end.
func WithEventTypes(start, step, end events.Type) Option {
	return func(o *Operation) {
		o.startType, o.stepType, o.endType = start, step, end
	}
}

// New creates an operation. steps is the expected number of steps, or
// events.UnknownSteps when it cannot be predicted.
func New(emitter events.Emitter, source any, operationID, message string, steps int, opts ...Option) *Operation {
	if emitter == nil {
		emitter = events.Discard
	}
	o := &Operation{
		emitter:   emitter,
		source:    source,
		id:        operationID,
		message:   message,
		steps:     steps,
		fields:    make(map[string]any),
		startType: events.TypeProgressStart,
		stepType:  events.TypeProgressStep,
		endType:   events.TypeProgressEnd,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ID returns the operation id.
func (o *Operation) ID() string { return o.id }

// Steps returns the expected number of steps.
func (o *Operation) Steps() int { return o.steps }

// State returns the current lifecycle state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Running reports whether the operation has been started and not ended.
func (o *Operation) Running() bool {
	return o.State() == Running
}

// EmitOption adjusts a single Start, Step or End call.
type EmitOption func(*emitParams)

type emitParams struct {
	message *string
	step    *int
	extra   map[string]any
}

// WithMessage replaces the default message for one event.
func WithMessage(msg string) EmitOption {
	return func(p *emitParams) { p.message = &msg }
}

// WithStep sets an explicit step number instead of the internal counter.
func WithStep(n int) EmitOption {
	return func(p *emitParams) { p.step = &n }
}

// WithExtra adds fields to one event, overriding operation-level fields.
func WithExtra(fields map[string]any) EmitOption {
	return func(p *emitParams) {
		if p.extra == nil {
			p.extra = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			p.extra[k] = v
		}
	}
}

func (o *Operation) event(t events.Type, opts []EmitOption) (events.Event, *emitParams) {
	var p emitParams
	for _, opt := range opts {
		opt(&p)
	}

	extra := make(map[string]any, len(o.fields)+len(p.extra))
	for k, v := range o.fields {
		extra[k] = v
	}
	for k, v := range p.extra {
		extra[k] = v
	}

	msg := o.message
	if p.message != nil {
		msg = *p.message
	}

	return events.Event{
		Type:        t,
		Source:      o.source,
		OperationID: o.id,
		Message:     msg,
		Extra:       extra,
	}, &p
}

// Start moves the operation to Running and emits a start event. Starting
// an ended operation restarts it.
func (o *Operation) Start(opts ...EmitOption) error {
	o.mu.Lock()
	o.state = Running
	o.mu.Unlock()

	e, _ := o.event(o.startType, opts)
	e.Steps = o.steps
	return o.emitter.Emit(e)
}

// Step emits a step event. Without WithStep the internal counter is used.
// The counter advances only when every listener accepted the event.
func (o *Operation) Step(opts ...EmitOption) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return fmt.Errorf("step %q: %w", o.id, ErrInvalidState)
	}
	e, p := o.event(o.stepType, opts)
	if p.step != nil {
		e.Step = *p.step
	} else {
		e.Step = o.count
	}
	o.mu.Unlock()

	if err := o.emitter.Emit(e); err != nil {
		return err
	}

	o.mu.Lock()
	o.count++
	o.mu.Unlock()
	return nil
}

// End emits an end event with the given exit state and moves the operation
// to Ended. If a listener fails the operation keeps running.
func (o *Operation) End(state events.ExitState, opts ...EmitOption) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return fmt.Errorf("end %q: %w", o.id, ErrInvalidState)
	}
	o.mu.Unlock()

	if state == "" {
		state = events.ExitNormal
	}
	e, _ := o.event(o.endType, opts)
	e.ExitState = state
	if err := o.emitter.Emit(e); err != nil {
		return err
	}

	o.mu.Lock()
	o.state = Ended
	o.mu.Unlock()
	return nil
}

// Tick starts the operation if it is not running, then performs one step.
func (o *Operation) Tick(opts ...EmitOption) error {
	if !o.Running() {
		if err := o.Start(); err != nil {
			return err
		}
	}
	return o.Step(opts...)
}

// Run is the scoped form. It starts the operation if needed and calls fn.
// If the operation is still running afterwards it is ended: with
// ExitException and the error text when fn failed or panicked, otherwise
// with ExitNormal. The error returned by fn is returned unchanged and a
// panic is re-raised after the end event.
func (o *Operation) Run(fn func(*Operation) error) (err error) {
	if !o.Running() {
		if err := o.Start(); err != nil {
			return err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if o.Running() {
				_ = o.End(events.ExitException, WithMessage(fmt.Sprint(r)))
			}
			panic(r)
		}
	}()

	err = fn(o)

	if o.Running() {
		if err != nil {
			_ = o.End(events.ExitException, WithMessage(err.Error()))
			return err
		}
		return o.End(events.ExitNormal)
	}
	return err
}
