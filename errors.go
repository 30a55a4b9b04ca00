package patchbay

import (
	"errors"
	"fmt"

	"github.com/shaban/patchbay/internal/logging"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrTrackNotFound  = errors.New("track not found")
	ErrMasterTrack    = errors.New("operation not allowed on the master track")
	ErrFeedback       = errors.New("connection would create a feedback loop between tracks")
	ErrNotRouted      = errors.New("track kinds cannot be routed")
	ErrNotRunning     = errors.New("engine is not running")
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrIncompatible   = errors.New("incompatible state version")
	ErrLocked         = errors.New("internal connection cannot be changed")
)

// ErrorHandler receives errors that have no caller to return to, such as
// failed asynchronous operations and slow topology changes.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors to the default logger.
type DefaultErrorHandler struct{}

func (h *DefaultErrorHandler) HandleError(err error) {
	logging.Default().Errorf("%v", err)
}

// LoggingErrorHandler logs errors and then passes them on.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     *logging.Logger
}

// NewLoggingErrorHandler creates a handler logging to logger. Underlying
// may be nil.
func NewLoggingErrorHandler(underlying ErrorHandler, logger *logging.Logger) *LoggingErrorHandler {
	return &LoggingErrorHandler{underlying: underlying, logger: logger}
}

func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger.Errorf("%v", err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error. Useful in tests.
type PanicErrorHandler struct{}

func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("engine error: %v", err))
}

// ErrorFunc adapts a function to ErrorHandler.
type ErrorFunc func(error)

func (f ErrorFunc) HandleError(err error) { f(err) }
