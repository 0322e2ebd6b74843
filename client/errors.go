package client

import (
	"errors"
	"net/http"
	"strings"

	"github.com/xraph/durable"
	"github.com/xraph/durable/dwp"
)

// Error is an error frame returned by the server. Code follows HTTP
// status semantics.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return "durable/client: " + http.StatusText(e.Code) + ": " + e.Message
}

// sentinels are the engine errors a server message can carry.
var sentinels = []error{
	durable.ErrWorkflowNotFound,
	durable.ErrRunNotFound,
	durable.ErrHookNotFound,
	durable.ErrStreamNotFound,
	durable.ErrRunAlreadyExists,
	durable.ErrHookAlreadyResolved,
	durable.ErrHookConflict,
	durable.ErrLeaseConflict,
	durable.ErrRunTerminal,
	durable.ErrRateLimited,
}

// Is lets errors.Is match the engine sentinel named in the server message,
// so callers handle remote and local errors alike.
func (e *Error) Is(target error) bool {
	for _, s := range sentinels {
		if errors.Is(target, s) {
			return strings.Contains(e.Message, s.Error())
		}
	}
	return false
}

// IsValidation reports whether err is a remote validation failure.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == http.StatusBadRequest
}

func frameError(f *dwp.Frame) error {
	if f.Error == nil {
		return &Error{Code: http.StatusInternalServerError, Message: "unknown error"}
	}
	return &Error{Code: f.Error.Code, Message: f.Error.Message}
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == http.StatusNotFound
}
