package gateway

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/upstream"
)

// drainLimit caps how much of a discarded upstream body is read before
// closing it.
const drainLimit = 1 << 20

// StreamGenerate fulfills one streaming request, piping upstream SSE frames
// to w. With unwrap set (the public endpoint) frames are rewritten to the
// unwrapped shape; the admin chat endpoint forwards them verbatim.
//
// Once a frame has been written downstream the response is committed: a
// later stream error ends the response cleanly (no [DONE]) and returns
// ErrStreamAborted without trying another identity.
func (e *Engine) StreamGenerate(ctx context.Context, w http.ResponseWriter, model string, body map[string]interface{}, unwrap bool) error {
	var hint time.Duration

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		accounts, err := e.identities.GetReadyAccounts()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			e.metrics.RecordRotationOutcome("stream", "no_identities", attempt)
			return ErrNoIdentities
		}

		for i := range accounts {
			acc := &accounts[i]
			if !e.admit(ctx, acc, i) {
				continue
			}

			accessToken, err := e.identities.EnsureFreshToken(ctx, acc)
			if err != nil {
				e.recordFailure(acc, Classify(err.Error()), model, err.Error())
				continue
			}

			done, err := e.tryStream(ctx, w, acc, accessToken, model, body, unwrap, &hint)
			if done {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if attempt < e.cfg.MaxAttempts-1 {
			if err := e.sleep(ctx, e.backoff.Compute(attempt, hint)); err != nil {
				return err
			}
			hint = 0
		}
	}

	e.metrics.RecordRotationOutcome("stream", "exhausted", e.cfg.MaxAttempts)
	return ErrAllExhausted
}

// tryStream opens one upstream stream for one identity and pipes it. done
// reports a terminal outcome (success or committed abort); false means the
// rotation loop should move on.
func (e *Engine) tryStream(ctx context.Context, w http.ResponseWriter, acc *models.Account, accessToken, model string, body map[string]interface{}, unwrap bool, hint *time.Duration) (done bool, err error) {
	stream, err := e.openStream(ctx, accessToken, BuildPayload(model, acc.ProjectID, body), model)
	if err != nil {
		e.recordFailure(acc, Classify(err.Error()), model, err.Error())
		return false, nil
	}

	activeModel := model
	if stream.Status == http.StatusTooManyRequests {
		errBody := drainAndClose(stream.Body)
		if d := upstream.ParseRetryAfter(stream.Header, errBody); d > 0 {
			*hint = d
		}

		fbStream, fbModel := e.tryStreamFallback(ctx, acc, accessToken, model, body)
		if fbStream == nil {
			category := ClassifyResponse(http.StatusTooManyRequests, string(errBody))
			e.recordFailure(acc, category, model, string(errBody))
			return false, nil
		}
		// Fallback adopted; the original 429 records no cooldown.
		log.Printf("✅ Stream fallback %s -> %s adopted for %s", model, fbModel, acc.Email)
		stream = fbStream
		activeModel = fbModel
	} else if stream.Status != http.StatusOK {
		errBody := drainAndClose(stream.Body)
		e.recordSoftFailure(acc, model, strconv.Itoa(stream.Status)+" "+string(errBody))
		return false, nil
	}

	res := pipeSSE(w, stream.Body, unwrap)
	stream.Body.Close()

	if res.err != nil {
		if res.committed {
			// Header-commit trap: end the response cleanly, no retry.
			log.Printf("⚠️ Stream for %s failed after %d frame(s), ending response: %v", acc.Email, res.frames, res.err)
			e.metrics.RecordRotationOutcome("stream", "aborted", 1)
			return true, ErrStreamAborted
		}
		e.recordFailure(acc, Classify(res.err.Error()), activeModel, res.err.Error())
		return false, nil
	}

	e.markSuccess(acc, activeModel, res.tokens, promptText(body), res.text, systemInstructionText(body))
	e.metrics.RecordRotationOutcome("stream", "success", 1)
	return true, nil
}

// tryStreamFallback walks the fallback chain for a streaming 429 before any
// headers are committed. It returns the adopted stream, or nil when the
// chain is spent.
func (e *Engine) tryStreamFallback(ctx context.Context, acc *models.Account, accessToken, model string, body map[string]interface{}) (*upstream.Stream, string) {
	for fb := e.cfg.NextFallbackModel(model); fb != ""; fb = e.cfg.NextFallbackModel(fb) {
		stream, err := e.openStream(ctx, accessToken, BuildPayload(fb, acc.ProjectID, body), fb)
		if err != nil {
			e.metrics.RecordFallback(model, fb, "error")
			return nil, ""
		}
		if stream.Status == http.StatusOK {
			e.metrics.RecordFallback(model, fb, "success")
			return stream, fb
		}
		drainAndClose(stream.Body)
		e.metrics.RecordFallback(model, fb, strconv.Itoa(stream.Status))
		if stream.Status != http.StatusTooManyRequests {
			return nil, ""
		}
	}
	return nil, ""
}

// openStream opens the upstream stream under the concurrency gate. The gate
// slot is held only while establishing the call, not for the lifetime of
// the stream.
func (e *Engine) openStream(ctx context.Context, accessToken string, payload map[string]interface{}, model string) (*upstream.Stream, error) {
	start := time.Now()
	var stream *upstream.Stream
	err := e.gate.Run(ctx, func() error {
		var callErr error
		stream, callErr = e.client.StreamGenerateContent(ctx, accessToken, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordUpstreamCall(model, strconv.Itoa(stream.Status), time.Since(start))
	return stream, nil
}

func drainAndClose(body io.ReadCloser) []byte {
	defer body.Close()
	data, _ := io.ReadAll(io.LimitReader(body, drainLimit))
	return data
}
