package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class identifies a relay failure category. Every class except
// ClassClientDisconnected is rendered to the client, either as a JSON error
// response (pre-stream) or as a single terminal error frame (mid-stream).
type Class string

const (
	ClassUnauthenticated     Class = "unauthenticated"
	ClassBadRequest          Class = "bad-request"
	ClassUpstreamHTTP        Class = "upstream-http-error"
	ClassUpstreamUnreachable Class = "upstream-unreachable"
	ClassTotalTimeout        Class = "aborted-total-timeout"
	ClassInactivityTimeout   Class = "aborted-inactivity-timeout"
	ClassClientDisconnected  Class = "client-disconnected"
	ClassMalformedResponse   Class = "malformed-response"
	ClassInternal            Class = "internal"
)

// Error is the single failure shape the relay exposes. UpstreamStatus is set
// only for ClassUpstreamHTTP.
type Error struct {
	Class          Class
	Message        string
	UpstreamStatus int
}

func (e *Error) Error() string {
	if e.UpstreamStatus > 0 {
		return fmt.Sprintf("%s (upstream %d): %s", e.Class, e.UpstreamStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Errf builds a classified error with a formatted message.
func Errf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Cancellation causes used to classify why a session context was aborted.
var (
	errTotalTimeout      = errors.New("relay: total lifetime exceeded")
	errInactivityTimeout = errors.New("relay: no data received within inactivity ceiling")
	errClientGone        = errors.New("relay: client disconnected")
	errSessionClosed     = errors.New("relay: session closed")
)

// Translate maps an arbitrary error to a relay Error. Context cancellation is
// classified by its cause so that timer-driven aborts keep their distinct
// classes instead of collapsing into a generic fault.
func Translate(ctx context.Context, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errTotalTimeout) || errors.Is(err, errTotalTimeout):
		return Errf(ClassTotalTimeout, "generation exceeded its maximum duration")
	case errors.Is(cause, errInactivityTimeout) || errors.Is(err, errInactivityTimeout):
		return Errf(ClassInactivityTimeout, "no data received from the generation service")
	case errors.Is(cause, errClientGone) || errors.Is(err, errClientGone):
		return Errf(ClassClientDisconnected, "client closed the connection")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Errf(ClassClientDisconnected, "client closed the connection")
	}
	return Errf(ClassInternal, "%v", err)
}

// HTTPStatus maps a relay error to the status code used when the failure
// occurs before the client stream is opened.
func (e *Error) HTTPStatus() int {
	switch e.Class {
	case ClassUnauthenticated:
		return http.StatusUnauthorized
	case ClassBadRequest:
		return http.StatusBadRequest
	case ClassUpstreamHTTP:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 600 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	case ClassUpstreamUnreachable:
		return http.StatusBadGateway
	case ClassTotalTimeout, ClassInactivityTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Frame renders the error as the terminal in-band error frame. The payload
// always carries the error class and message; the upstream status is included
// when one was observed.
func (e *Error) Frame() Frame {
	payload := map[string]any{
		"error":   string(e.Class),
		"message": e.Message,
	}
	if e.UpstreamStatus > 0 {
		payload["status"] = e.UpstreamStatus
	}
	b, _ := json.Marshal(payload)
	return Frame{Raw: "event: error\ndata: " + string(b)}
}

// upstreamHTTPError builds the error for a non-2xx upstream response. The
// body is parsed as JSON on a best-effort basis so structured upstream errors
// survive the translation; anything else is carried as trimmed text.
func upstreamHTTPError(status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		for _, key := range []string{"message", "error", "detail"} {
			switch v := parsed[key].(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					message = v
				}
			case map[string]any:
				if msg, ok := v["message"].(string); ok && strings.TrimSpace(msg) != "" {
					message = msg
				}
			}
			if message != strings.TrimSpace(string(body)) {
				break
			}
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Class: ClassUpstreamHTTP, Message: message, UpstreamStatus: status}
}
