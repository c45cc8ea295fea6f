package relay

import (
	"bytes"
	"strings"
)

// Frame is one complete Server-Sent-Events record, held as the raw text
// between frame boundaries (without the terminating blank line). The relay
// forwards upstream frames opaquely; Name and Data exist for synthetic frames
// and diagnostics, not for rewriting upstream payloads.
type Frame struct {
	Raw string
}

// Name returns the event name, defaulting to "message" when the frame carries
// no event field. Comment frames return an empty name.
func (f Frame) Name() string {
	if f.IsComment() {
		return ""
	}
	for _, line := range strings.Split(f.Raw, "\n") {
		if strings.HasPrefix(line, "event:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	return "message"
}

// Data joins the frame's data lines with newlines, per the SSE convention.
func (f Frame) Data() string {
	var parts []string
	for _, line := range strings.Split(f.Raw, "\n") {
		if strings.HasPrefix(line, "data:") {
			parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return strings.Join(parts, "\n")
}

// IsComment reports whether every line of the frame is an SSE comment.
func (f Frame) IsComment() bool {
	for _, line := range strings.Split(f.Raw, "\n") {
		if line != "" && !strings.HasPrefix(line, ":") {
			return false
		}
	}
	return true
}

// Encode renders the frame on the wire, including the terminating blank line.
func (f Frame) Encode() []byte {
	return []byte(f.Raw + "\n\n")
}

var frameBoundary = []byte("\n\n")

// Reassembler reconstitutes complete frames from arbitrarily-chunked upstream
// bytes. It buffers at the byte level, so multi-byte characters split across
// chunk boundaries are carried forward intact. CRLF line endings are
// normalized to LF while scanning, with a trailing CR held back until the
// next chunk decides whether it belongs to a CRLF pair.
type Reassembler struct {
	buf       bytes.Buffer
	pendingCR bool
}

// Push appends a chunk and returns every frame completed by it, in order.
// Empty segments (runs of blank lines) are never emitted as frames.
func (ra *Reassembler) Push(chunk []byte) []Frame {
	for _, b := range chunk {
		if ra.pendingCR {
			ra.pendingCR = false
			if b == '\n' {
				ra.buf.WriteByte('\n')
				continue
			}
			ra.buf.WriteByte('\r')
		}
		if b == '\r' {
			ra.pendingCR = true
			continue
		}
		ra.buf.WriteByte(b)
	}

	var frames []Frame
	for {
		data := ra.buf.Bytes()
		i := bytes.Index(data, frameBoundary)
		if i < 0 {
			break
		}
		seg := make([]byte, i)
		copy(seg, data[:i])
		ra.buf.Next(i + len(frameBoundary))
		if len(bytes.TrimSpace(seg)) == 0 {
			continue
		}
		frames = append(frames, Frame{Raw: string(seg)})
	}
	return frames
}

// Flush returns any non-blank trailing buffer as a final frame after the
// upstream stream ends. The upstream is assumed to have sent a complete but
// unterminated last record; callers should log this case distinctly since it
// can also mask a truncated response.
func (ra *Reassembler) Flush() (Frame, bool) {
	if ra.pendingCR {
		ra.pendingCR = false
		ra.buf.WriteByte('\r')
	}
	rest := ra.buf.Bytes()
	ra.buf.Reset()
	if len(bytes.TrimSpace(rest)) == 0 {
		return Frame{}, false
	}
	return Frame{Raw: strings.TrimRight(string(rest), "\r\n")}, true
}

// Pending reports whether undelivered bytes remain in the buffer.
func (ra *Reassembler) Pending() bool {
	return ra.pendingCR || ra.buf.Len() > 0
}
