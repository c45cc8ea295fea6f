package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fableworks/fableworks-gateway/internal/metrics"
)

// outcomeCompleted is the terminal outcome for a clean upstream end-of-stream.
// Every other outcome is a Class string.
const outcomeCompleted = "completed"

// SessionRecord summarizes one finished relay session for diagnostics.
type SessionRecord struct {
	SessionID  string
	SessionKey string
	Endpoint   string
	Outcome    string
	Frames     int64
	Chunks     int64
	StartedAt  time.Time
	Duration   time.Duration
}

// Recorder persists session records. Implementations must tolerate being
// called after the client connection is gone.
type Recorder interface {
	RecordSession(ctx context.Context, rec SessionRecord)
}

// Engine relays SSE streams from the upstream job API to browser clients.
// Each Relay call owns exactly one upstream connection and one client stream;
// sessions share nothing, so the engine itself holds no mutable state.
type Engine struct {
	cfg      Config
	metrics  *metrics.Relay
	recorder Recorder
}

// NewEngine constructs an engine from the given configuration, applying
// documented defaults for any zero field.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration after defaults.
func (e *Engine) Config() Config { return e.cfg }

// SetMetrics wires in the relay metric collectors.
func (e *Engine) SetMetrics(m *metrics.Relay) { e.metrics = m }

// SetRecorder wires in the session log store.
func (e *Engine) SetRecorder(rec Recorder) { e.recorder = rec }

// streamEvent is the producer/consumer channel element: a complete frame or
// a terminal upstream read error, never both.
type streamEvent struct {
	frame Frame
	err   error
}

type session struct {
	id           string
	key          string
	endpoint     string
	startedAt    time.Time
	inactivity   time.Duration
	lastActivity atomic.Int64 // unix nanos of the last upstream byte
	chunks       atomic.Int64
	frames       int64
}

func (s *session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// RespondError writes a pre-stream failure as a single JSON error response.
func RespondError(w http.ResponseWriter, relayErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(relayErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   string(relayErr.Class),
		"message": relayErr.Message,
	})
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// respondErrorStream opens the event stream just to deliver one terminal
// error frame. Used for upstream failures: the client asked for a stream,
// so even a refusal from the upstream arrives in-band.
func respondErrorStream(w http.ResponseWriter, relayErr *Error) {
	writeStreamHeaders(w)
	_, _ = w.Write(relayErr.Frame().Encode())
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Relay runs one full session: Authenticating, Connecting, Streaming, then
// Draining or Erroring, and finally Closed. Failures the relay itself rejects
// before contacting the upstream (missing credential, bad input) become a
// JSON error response; once the upstream call is in flight the failure is
// delivered in-band, as exactly one terminal error frame on the event stream.
func (e *Engine) Relay(w http.ResponseWriter, r *http.Request, endpoint string, target Target) {
	sess := &session{
		id:         uuid.NewString(),
		key:        target.SessionKey,
		endpoint:   endpoint,
		startedAt:  time.Now(),
		inactivity: target.InactivityTimeout,
	}
	if sess.inactivity <= 0 {
		sess.inactivity = e.cfg.InactivityTimeout
	}
	sess.touch()

	credential, ok := ResolveCredential(r, e.cfg.SessionCookie, e.cfg.FallbackCookie)
	if !ok {
		relayErr := Errf(ClassUnauthenticated, "authentication required")
		RespondError(w, relayErr)
		e.finish(r.Context(), sess, string(relayErr.Class))
		return
	}

	total := target.TotalTimeout
	if total <= 0 {
		total = e.cfg.GenerateTimeout
	}
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(errSessionClosed)
	totalTimer := time.AfterFunc(total, func() { cancel(errTotalTimeout) })
	defer totalTimer.Stop()

	body, err := e.openUpstream(ctx, target, credential, r.Header.Get("Cookie"), sess.id)
	if err != nil {
		relayErr := Translate(ctx, err)
		switch relayErr.Class {
		case ClassUpstreamHTTP, ClassUpstreamUnreachable:
			respondErrorStream(w, relayErr)
		default:
			RespondError(w, relayErr)
		}
		e.finish(ctx, sess, string(relayErr.Class))
		return
	}
	e.debugf("relay.session connected endpoint=%s session=%s key=%s total_timeout=%s", endpoint, sess.id, sess.key, total)

	ch := make(chan streamEvent, 16)
	go e.readUpstream(ctx, sess, body, ch)
	go e.watchInactivity(ctx, sess, cancel)

	if e.metrics != nil {
		e.metrics.SessionsActive.WithLabelValues(endpoint).Inc()
	}
	outcome := e.forward(ctx, w, sess, ch, cancel)
	if e.metrics != nil {
		e.metrics.SessionsActive.WithLabelValues(endpoint).Dec()
	}
	e.finish(ctx, sess, outcome)
}

// readUpstream is the producer: it pulls raw chunks from the upstream body,
// reassembles frames, and pushes them into the channel in arrival order.
// Activity is tracked per chunk so partial-frame bytes still count.
func (e *Engine) readUpstream(ctx context.Context, sess *session, body io.ReadCloser, ch chan<- streamEvent) {
	defer close(ch)
	defer body.Close()

	var ra Reassembler
	buf := make([]byte, 8192)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			sess.chunks.Add(1)
			sess.touch()
			for _, f := range ra.Push(buf[:n]) {
				select {
				case ch <- streamEvent{frame: f}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if f, ok := ra.Flush(); ok {
					// Tolerated, but logged distinctly: this can also mask a
					// truncated upstream response.
					e.logf("relay.session unterminated trailing frame session=%s bytes=%d", sess.id, len(f.Raw))
					select {
					case ch <- streamEvent{frame: f}:
					case <-ctx.Done():
					}
				}
				return
			}
			select {
			case ch <- streamEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// watchInactivity aborts the session when the gap since the last upstream
// byte exceeds the inactivity ceiling. It re-arms against the actual idle
// time instead of resetting a timer per chunk.
func (e *Engine) watchInactivity(ctx context.Context, sess *session, cancel context.CancelCauseFunc) {
	for {
		idle := sess.idle()
		if idle >= sess.inactivity {
			cancel(errInactivityTimeout)
			return
		}
		timer := time.NewTimer(sess.inactivity - idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// forward is the consumer: it drains the frame channel onto the client
// stream, interleaving heartbeats when the upstream goes quiet. It returns
// the session outcome and guarantees at most one terminal error frame.
func (e *Engine) forward(ctx context.Context, w http.ResponseWriter, sess *session, ch <-chan streamEvent, cancel context.CancelCauseFunc) string {
	writeStreamHeaders(w)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeFrame := func(f Frame) error {
		if _, err := w.Write(f.Encode()); err != nil {
			return err
		}
		flush()
		return nil
	}

	hb := time.NewTicker(e.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Producer closed the channel. A clean close means upstream
				// EOF with everything flushed; a close racing a timer abort
				// keeps the abort's outcome.
				if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, errSessionClosed) {
					relayErr := Translate(ctx, cause)
					if relayErr.Class != ClassClientDisconnected {
						_ = writeFrame(relayErr.Frame())
					}
					return string(relayErr.Class)
				}
				return outcomeCompleted
			}
			if ev.err != nil {
				relayErr := Translate(ctx, ev.err)
				if relayErr.Class == ClassClientDisconnected {
					return string(relayErr.Class)
				}
				if relayErr.Class == ClassInternal {
					// The connection was established and bytes may already
					// have flowed; a transport fault here means the response
					// broke off, not that the upstream was unreachable.
					relayErr = Errf(ClassMalformedResponse, "upstream stream broke: %s", relayErr.Message)
				}
				_ = writeFrame(relayErr.Frame())
				return string(relayErr.Class)
			}
			if err := writeFrame(ev.frame); err != nil {
				// Nobody is listening; stop pulling from upstream.
				cancel(errClientGone)
				return string(ClassClientDisconnected)
			}
			sess.frames++
			if e.metrics != nil {
				e.metrics.FramesForwarded.WithLabelValues(sess.endpoint).Inc()
			}
		case <-hb.C:
			if sess.idle() < e.cfg.HeartbeatInterval {
				continue
			}
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				cancel(errClientGone)
				return string(ClassClientDisconnected)
			}
			flush()
			if e.metrics != nil {
				e.metrics.HeartbeatsSent.WithLabelValues(sess.endpoint).Inc()
			}
		case <-ctx.Done():
			relayErr := Translate(ctx, context.Cause(ctx))
			if relayErr.Class != ClassClientDisconnected {
				_ = writeFrame(relayErr.Frame())
			}
			return string(relayErr.Class)
		}
	}
}

func (e *Engine) finish(ctx context.Context, sess *session, outcome string) {
	duration := time.Since(sess.startedAt)
	if e.metrics != nil {
		e.metrics.SessionsTotal.WithLabelValues(sess.endpoint, outcome).Inc()
		e.metrics.SessionSeconds.WithLabelValues(sess.endpoint).Observe(duration.Seconds())
	}
	if e.recorder != nil {
		e.recorder.RecordSession(context.WithoutCancel(ctx), SessionRecord{
			SessionID:  sess.id,
			SessionKey: sess.key,
			Endpoint:   sess.endpoint,
			Outcome:    outcome,
			Frames:     sess.frames,
			Chunks:     sess.chunks.Load(),
			StartedAt:  sess.startedAt,
			Duration:   duration,
		})
	}
	e.logf("relay.session endpoint=%s session=%s key=%s outcome=%s frames=%d chunks=%d total_ms=%d",
		sess.endpoint, sess.id, sess.key, outcome, sess.frames, sess.chunks.Load(), duration.Milliseconds())
}

func (e *Engine) isDebug() bool { return e.cfg.LogLevel == "debug" }

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Printf(format, args...)
	}
}

func (e *Engine) debugf(format string, args ...any) {
	if e.cfg.Logger != nil && e.isDebug() {
		e.cfg.Logger.Printf("DEBUG "+format, args...)
	}
}
