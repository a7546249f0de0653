package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jdmarch/encore/internal/events"
)

// Transaction groups store mutations. Enter and Exit calls nest; only the
// outermost pair begins and finishes the underlying unit of work.
//
// Enter returns the context that identifies the scope. Store operations
// that belong to the transaction must be called with it; calls made with
// any other context wait until the transaction has finished.
type Transaction interface {
	// Enter opens (or nests into) the transaction.
	Enter(ctx context.Context) (context.Context, error)
	// Exit closes one nesting level. ctx is the context returned by Enter.
	// A non-nil cause marks the outermost scope as failed and rolls it
	// back.
	Exit(ctx context.Context, cause error) error
}

// RunTransaction runs fn inside tx, passing it the transaction context.
// The scope is exited with fn's error, or with the panic value when fn
// panics, in which case the panic is re-raised afterwards.
func RunTransaction(ctx context.Context, tx Transaction, fn func(ctx context.Context) error) (err error) {
	txCtx, err := tx.Enter(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Exit(txCtx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(txCtx)
	exitErr := tx.Exit(txCtx, err)
	if err != nil {
		return err
	}
	return exitErr
}

// NoopTransaction is returned by backends without multi-operation
// atomicity. Entering and exiting it does nothing.
type NoopTransaction struct{}

func (NoopTransaction) Enter(ctx context.Context) (context.Context, error) { return ctx, nil }
func (NoopTransaction) Exit(context.Context, error) error                  { return nil }

// TxHooks are implemented by backends whose transactions are real. They
// are called once per outermost scope.
type TxHooks interface {
	BeginTx(ctx context.Context) error
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error
}

// TxCoordinator tracks the transaction state of one store. Each store owns
// a single coordinator and at most one transaction is open at a time.
// Scopes entered with the context of the open transaction nest into it;
// scopes entered with any other context wait for it to finish.
//
// Mutation events passed to Notify with the transaction context are held
// back. They are delivered after a successful commit and discarded on
// rollback, so listeners never observe changes that did not persist.
type TxCoordinator struct {
	source  any
	emitter events.Emitter
	hooks   TxHooks

	mu      sync.Mutex
	depth   int
	owner   *txOwner
	done    chan struct{}
	pending []events.Event
}

// txOwner identifies one outermost transaction.
type txOwner struct{ notes string }

type txKey struct{ c *TxCoordinator }

// NewTxCoordinator creates a coordinator emitting on behalf of source.
// hooks may be nil for stores that only need event grouping.
func NewTxCoordinator(source any, emitter events.Emitter, hooks TxHooks) *TxCoordinator {
	if emitter == nil {
		emitter = events.Discard
	}
	return &TxCoordinator{source: source, emitter: emitter, hooks: hooks}
}

// Begin returns a transaction scope carrying notes in its start event.
func (c *TxCoordinator) Begin(notes string) *SimpleTransaction {
	return &SimpleTransaction{c: c, notes: notes}
}

// Active reports whether a transaction is open.
func (c *TxCoordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth > 0
}

// Owns reports whether ctx belongs to the open transaction.
func (c *TxCoordinator) Owns(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owns(ctx)
}

func (c *TxCoordinator) owns(ctx context.Context) bool {
	o, _ := ctx.Value(txKey{c}).(*txOwner)
	return o != nil && o == c.owner
}

// Notify delivers a mutation event, or buffers it when ctx belongs to the
// open transaction.
func (c *TxCoordinator) Notify(ctx context.Context, e events.Event) error {
	if e.Source == nil {
		e.Source = c.source
	}

	c.mu.Lock()
	if c.depth > 0 && c.owns(ctx) {
		c.pending = append(c.pending, e)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.emitter.Emit(e)
}

func (c *TxCoordinator) enter(ctx context.Context, notes string) (context.Context, error) {
	c.mu.Lock()
	for c.owner != nil && !c.owns(ctx) {
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx, ctx.Err()
		}
		c.mu.Lock()
	}
	if c.owner != nil {
		c.depth++
		c.mu.Unlock()
		return ctx, nil
	}
	owner := &txOwner{notes: notes}
	c.owner = owner
	c.depth = 1
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.hooks != nil {
		if err := c.hooks.BeginTx(ctx); err != nil {
			c.release()
			return ctx, fmt.Errorf("begin transaction: %w", err)
		}
	}

	if err := c.emitter.Emit(events.Event{
		Type:    events.TypeTransactionStart,
		Source:  c.source,
		Message: notes,
	}); err != nil {
		if c.hooks != nil {
			_ = c.hooks.RollbackTx(ctx)
		}
		c.release()
		return ctx, err
	}
	return context.WithValue(ctx, txKey{c}, owner), nil
}

// release ends the open transaction and wakes waiting scopes.
func (c *TxCoordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = 0
	c.owner = nil
	c.pending = nil
	close(c.done)
}

func (c *TxCoordinator) exit(ctx context.Context, cause error) error {
	c.mu.Lock()
	if c.depth == 0 || !c.owns(ctx) {
		c.mu.Unlock()
		return fmt.Errorf("exit transaction: not open")
	}
	c.depth--
	if c.depth > 0 {
		c.mu.Unlock()
		return nil
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	var err error
	if cause == nil && c.hooks != nil {
		if err = c.hooks.CommitTx(ctx); err != nil {
			err = fmt.Errorf("commit transaction: %w", err)
			cause = err
		}
	}
	if cause != nil && c.hooks != nil && err == nil {
		if rbErr := c.hooks.RollbackTx(ctx); rbErr != nil {
			err = fmt.Errorf("rollback transaction: %w", rbErr)
		}
	}
	c.release()

	state := events.TransactionDone
	if cause != nil {
		state = events.TransactionFailed
	}
	if emitErr := c.emitter.Emit(events.Event{
		Type:    events.TypeTransactionEnd,
		Source:  c.source,
		Message: state,
	}); emitErr != nil && err == nil {
		err = emitErr
	}

	if cause != nil {
		return err
	}
	for _, e := range pending {
		if emitErr := c.emitter.Emit(e); emitErr != nil {
			return emitErr
		}
	}
	return err
}

// SimpleTransaction is a scope handed out by a TxCoordinator.
type SimpleTransaction struct {
	c     *TxCoordinator
	notes string
}

// Notes returns the text attached to the transaction start event.
func (t *SimpleTransaction) Notes() string { return t.notes }

func (t *SimpleTransaction) Enter(ctx context.Context) (context.Context, error) {
	return t.c.enter(ctx, t.notes)
}

func (t *SimpleTransaction) Exit(ctx context.Context, cause error) error {
	return t.c.exit(ctx, cause)
}

var (
	_ Transaction = NoopTransaction{}
	_ Transaction = (*SimpleTransaction)(nil)
)
