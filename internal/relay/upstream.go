package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Target describes one upstream call. Path is resolved against the engine's
// upstream base URL. The timeout fields override the endpoint defaults when
// set.
type Target struct {
	Method            string
	Path              string
	Body              []byte
	SessionKey        string
	TotalTimeout      time.Duration
	InactivityTimeout time.Duration
}

// maxErrorBody bounds how much of an upstream error body is read back.
const maxErrorBody = 64 * 1024

// openUpstream issues the forwarded call and returns the response body for
// streaming. Non-2xx responses are drained and translated; transport-level
// failures surface as upstream-unreachable unless the session context was
// already aborted by one of the relay's own timers.
func (e *Engine) openUpstream(ctx context.Context, target Target, credential, cookieHeader, requestID string) (io.ReadCloser, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(target.Body) > 0 {
		body = bytes.NewReader(target.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.cfg.UpstreamBaseURL+target.Path, body)
	if err != nil {
		return nil, Errf(ClassInternal, "build upstream request: %v", err)
	}
	if len(target.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+credential)
	if cookieHeader != "" {
		// Dual-auth deployments expect the browser's cookies alongside the
		// bearer token.
		req.Header.Set("Cookie", cookieHeader)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return nil, Translate(ctx, err)
		}
		return nil, Errf(ClassUpstreamUnreachable, "upstream unreachable: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if readErr != nil && len(raw) == 0 {
			return nil, Errf(ClassMalformedResponse, "upstream returned status %d with unreadable body", resp.StatusCode)
		}
		return nil, upstreamHTTPError(resp.StatusCode, raw)
	}
	return resp.Body, nil
}
