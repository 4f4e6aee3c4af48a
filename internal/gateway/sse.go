package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Scanner buffer sizing for upstream SSE: frames carrying tool schemas or
// inline data can be large.
const (
	sseInitialBuffer = 64 * 1024
	sseMaxBuffer     = 8 * 1024 * 1024
)

// SetSSEHeaders writes the streaming response headers.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// transformFrame rewrites one upstream SSE data payload. With unwrap set,
// enveloped frames are rewritten to the unwrapped shape with any outer
// usageMetadata merged in; otherwise frames pass through verbatim. Frames
// that fail to parse are forwarded untouched. The returned token count is
// the frame's totalTokenCount (zero when absent), and text is the frame's
// candidate text for audit logging.
func transformFrame(data []byte, unwrap bool) (out []byte, tokens int, text string) {
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return data, 0, ""
	}

	tokens = totalTokenCount(frame)
	obj := frame
	if inner, ok := frame["response"].(map[string]interface{}); ok {
		obj = inner
	}
	text = responseText(obj)

	if !unwrap {
		return data, tokens, text
	}
	unwrapped := UnwrapResponse(frame)
	rewritten, err := json.Marshal(unwrapped)
	if err != nil {
		return data, tokens, text
	}
	return rewritten, tokens, text
}

// pipeResult is the outcome of piping one upstream stream downstream.
type pipeResult struct {
	committed bool // headers written; failover no longer possible
	frames    int
	tokens    int // latest totalTokenCount seen wins
	text      string
	err       error
}

// pipeSSE copies upstream SSE frames to the downstream writer. Headers are
// committed on the first forwarded frame; a clean end emits the final
// [DONE] frame. A stream that ends cleanly without a single frame is
// reported as an error so the rotation loop can fail over.
func pipeSSE(w http.ResponseWriter, upstreamBody io.Reader, unwrap bool) pipeResult {
	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(upstreamBody)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxBuffer)

	var res pipeResult
	var text strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		frame, tokens, frameText := transformFrame([]byte(data), unwrap)
		if tokens > 0 {
			res.tokens = tokens
		}
		text.WriteString(frameText)

		if !res.committed {
			SetSSEHeaders(w)
			w.WriteHeader(http.StatusOK)
			res.committed = true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			res.err = err
			res.text = text.String()
			return res
		}
		if flusher != nil {
			flusher.Flush()
		}
		res.frames++
	}

	res.text = text.String()
	if err := scanner.Err(); err != nil {
		res.err = err
		return res
	}
	if res.frames == 0 {
		// 200 that ended without sending chunks; classifies as timeout and
		// the next identity gets a turn.
		res.err = fmt.Errorf("stream ended without sending chunks")
		return res
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return res
}
