// Package events provides the in-process, synchronous notification channel
// used for progress reporting and store mutation events.
package events

import (
	"strings"
	"time"

	"github.com/jdmarch/encore/internal/metadata"
)

// Type identifies the kind of an event. Types form a hierarchy through
// dot-separated segments: "progress.start.store" is a "progress.start",
// which in turn is a "progress".
type Type string

// Progress event types
const (
	TypeProgress      Type = "progress"
	TypeProgressStart Type = "progress.start"
	TypeProgressStep  Type = "progress.step"
	TypeProgressEnd   Type = "progress.end"

	// Progress events raised by stores during streaming transfers
	TypeStoreProgressStart Type = "progress.start.store"
	TypeStoreProgressStep  Type = "progress.step.store"
	TypeStoreProgressEnd   Type = "progress.end.store"
)

// Store event types
const (
	TypeStore            Type = "store"
	TypeStoreModified    Type = "store.modified"
	TypeStoreSet         Type = "store.modified.set"
	TypeStoreUpdate      Type = "store.modified.update"
	TypeStoreDelete      Type = "store.modified.delete"
	TypeStoreTransaction Type = "store.transaction"
	TypeTransactionStart Type = "store.transaction.start"
	TypeTransactionEnd   Type = "store.transaction.end"
)

// Is reports whether t is the same type as parent or one of its subtypes.
func (t Type) Is(parent Type) bool {
	if t == parent {
		return true
	}
	return strings.HasPrefix(string(t), string(parent)+".")
}

// ExitState describes how a progress operation finished.
type ExitState string

const (
	ExitNormal    ExitState = "normal"
	ExitWarning   ExitState = "warning"
	ExitError     ExitState = "error"
	ExitException ExitState = "exception"
)

// Valid reports whether s is one of the known exit states.
func (s ExitState) Valid() bool {
	switch s {
	case ExitNormal, ExitWarning, ExitError, ExitException:
		return true
	}
	return false
}

// UnknownSteps is the step count used when the total number of steps of an
// operation cannot be predicted.
const UnknownSteps = -1

// Transaction end states carried in Event.Message of TypeTransactionEnd.
const (
	TransactionDone   = "done"
	TransactionFailed = "failed"
)

// Event is an immutable notification record. Only the fields relevant to
// Type are populated:
//
//	progress.start  OperationID, Message, Steps
//	progress.step   OperationID, Message, Step
//	progress.end    OperationID, Message, ExitState
//	store.modified  Key, Metadata
//	store.transaction.*  Message (notes or end state)
type Event struct {
	Type        Type
	Source      any
	Time        time.Time
	OperationID string
	Message     string
	Steps       int
	Step        int
	ExitState   ExitState
	Key         string
	Metadata    metadata.Metadata
	Extra       map[string]any
}

// Field returns an extra field carried by the event.
func (e Event) Field(name string) (any, bool) {
	v, ok := e.Extra[name]
	return v, ok
}

// snapshot returns a copy of e whose maps are not shared with the emitter.
func (e Event) snapshot() Event {
	if e.Metadata != nil {
		e.Metadata = e.Metadata.Clone()
	}
	if e.Extra != nil {
		extra := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			extra[k] = v
		}
		e.Extra = extra
	}
	return e
}
