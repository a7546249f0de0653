// Package logging configures logrus and turns bus events into log entries.
package logging

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/events"
)

// Configure applies the format ("json" or "text") and level to logger.
func Configure(logger *logrus.Logger, level, format string) error {
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}

// EventLogger logs progress and store events. Register Listen on a bus
// for the root type of the events to log.
type EventLogger struct {
	logger *logrus.Logger
}

// NewEventLogger creates an EventLogger writing to logger.
func NewEventLogger(logger *logrus.Logger) *EventLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventLogger{logger: logger}
}

// Register subscribes the logger to progress and store events on bus and
// returns a function removing both registrations.
func (l *EventLogger) Register(bus *events.Bus) func() {
	offProgress := bus.Register(events.TypeProgress, l.Listen)
	offStore := bus.Register(events.TypeStore, l.Listen)
	return func() {
		offProgress()
		offStore()
	}
}

// Listen logs one event. It never fails, so logging cannot abort the
// emitting operation.
func (l *EventLogger) Listen(e events.Event) error {
	entry := l.logger.WithField("event", string(e.Type))

	switch {
	case e.Type.Is(events.TypeProgressStart):
		entry.WithFields(logrus.Fields{
			"operation_id": e.OperationID,
			"steps":        e.Steps,
		}).Debug(e.Message)

	case e.Type.Is(events.TypeProgressStep):
		entry.WithFields(logrus.Fields{
			"operation_id": e.OperationID,
			"step":         e.Step,
		}).WithFields(logrus.Fields(e.Extra)).Trace(e.Message)

	case e.Type.Is(events.TypeProgressEnd):
		entry = entry.WithFields(logrus.Fields{
			"operation_id": e.OperationID,
			"exit_state":   string(e.ExitState),
		})
		switch e.ExitState {
		case events.ExitNormal:
			entry.Debug(e.Message)
		case events.ExitWarning:
			entry.Warn(e.Message)
		default:
			entry.Error(e.Message)
		}

	case e.Type.Is(events.TypeStoreModified):
		entry.WithField("key", e.Key).Info("Store modified")

	case e.Type.Is(events.TypeTransactionStart):
		entry.WithField("notes", e.Message).Debug("Transaction started")

	case e.Type.Is(events.TypeTransactionEnd):
		if e.Message == events.TransactionFailed {
			entry.Warn("Transaction failed")
		} else {
			entry.Debug("Transaction done")
		}
	}
	return nil
}
