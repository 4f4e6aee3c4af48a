package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/relaypool/gemini-relay/internal/auth/token"
	"github.com/relaypool/gemini-relay/internal/config"
	"github.com/relaypool/gemini-relay/internal/db"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/metrics"
	"github.com/relaypool/gemini-relay/internal/upstream"
)

// Terminal states of the rotation loop.
var (
	// ErrNoIdentities means the pool is empty; nothing can be tried.
	ErrNoIdentities = errors.New("no identities enrolled")

	// ErrAllExhausted means every identity was tried or skipped in every
	// round without a success.
	ErrAllExhausted = errors.New("all accounts exhausted")

	// ErrStreamAborted means a streaming response failed after headers were
	// committed downstream; the response was ended cleanly and no further
	// identity may be tried.
	ErrStreamAborted = errors.New("stream aborted after headers were committed")
)

// legacyProPreview is a model name clients commonly request that the
// upstream does not serve; it is rewritten to the configured fallback model.
const legacyProPreview = "gemini-3.1-pro-preview"

// Engine is the request-fulfillment core: for each inbound call it walks the
// identity pool in LRU order, skipping cooled-down and rate-limited
// identities, refreshing tokens, calling the upstream under the concurrency
// gate and classifying failures, until one identity succeeds or the attempt
// budget is spent.
type Engine struct {
	cfg        *config.Config
	store      *db.Store
	identities *token.Manager
	client     *upstream.Client

	cooldown *CooldownRegistry
	limiter  *RateLimiter
	gate     *Gate
	backoff  *BackoffPolicy
	metrics  *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires the engine from configuration.
func NewEngine(cfg *config.Config, store *db.Store, identities *token.Manager, client *upstream.Client) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		identities: identities,
		client:     client,
		cooldown:   NewCooldownRegistry(cfg.ProbeMargin, cfg.MinProbeInterval),
		limiter:    NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		gate:       NewGate(cfg.ConcurrencyCap),
		backoff:    NewBackoffPolicy(cfg.BaseRetryDelay, cfg.MaxRetryDelay, cfg.JitterFactor),
		metrics:    metrics.Get(),
		sleep:      sleepCtx,
	}
}

// Cooldown exposes the registry for the admin surface.
func (e *Engine) Cooldown() *CooldownRegistry { return e.cooldown }

// RateLimiter exposes the limiter for the admin surface.
func (e *Engine) RateLimiter() *RateLimiter { return e.limiter }

// ResolveModel maps the requested model to the one actually called.
func (e *Engine) ResolveModel(requested string) string {
	switch requested {
	case "":
		return e.cfg.DefaultModel
	case legacyProPreview:
		return e.cfg.FallbackModel
	default:
		return requested
	}
}

// Generate fulfills one unary request and returns the unwrapped upstream
// response object.
func (e *Engine) Generate(ctx context.Context, model string, body map[string]interface{}) (map[string]interface{}, error) {
	var hint time.Duration

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		accounts, err := e.identities.GetReadyAccounts()
		if err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			e.metrics.RecordRotationOutcome("unary", "no_identities", attempt)
			return nil, ErrNoIdentities
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

			if result, ok := e.tryUnary(ctx, acc, accessToken, model, body, &hint); ok {
				e.metrics.RecordRotationOutcome("unary", "success", attempt+1)
				return result, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if attempt < e.cfg.MaxAttempts-1 {
			if err := e.sleep(ctx, e.backoff.Compute(attempt, hint)); err != nil {
				return nil, err
			}
			hint = 0
		}
	}

	e.metrics.RecordRotationOutcome("unary", "exhausted", e.cfg.MaxAttempts)
	return nil, ErrAllExhausted
}

// admit runs the pre-call checks of one candidate: cooldown (with probe
// escape hatch), rate budget, and the inter-identity stagger.
func (e *Engine) admit(ctx context.Context, acc *models.Account, position int) bool {
	if e.cooldown.InCooldown(acc.Email) {
		if !e.cooldown.ShouldProbe(acc.Email) {
			return false
		}
		e.cooldown.RecordProbe(acc.Email)
		e.metrics.ProbesTotal.Inc()
		log.Printf("🔍 Probing cooled-down identity %s", acc.Email)
	}

	if decision := e.limiter.Consume(acc.Email); !decision.Allowed {
		e.metrics.RateLimitedTotal.Inc()
		return false
	}

	if position > 0 {
		if err := e.sleep(ctx, e.cfg.InterIdentityStagger); err != nil {
			return false
		}
	}
	return true
}

// tryUnary performs one upstream call for one identity, including the
// 429 model-fallback chain.
func (e *Engine) tryUnary(ctx context.Context, acc *models.Account, accessToken, model string, body map[string]interface{}, hint *time.Duration) (map[string]interface{}, bool) {
	resp, err := e.callUnary(ctx, accessToken, BuildPayload(model, acc.ProjectID, body), model)
	if err != nil {
		e.recordFailure(acc, Classify(err.Error()), model, err.Error())
		return nil, false
	}

	if resp.OK() {
		if obj, ok := e.acceptUnary(acc, model, body, resp); ok {
			return obj, true
		}
		e.recordSoftFailure(acc, model, "200 response with no content")
		return nil, false
	}

	if resp.Status == http.StatusTooManyRequests {
		if d := upstream.ParseRetryAfter(resp.Header, resp.Body); d > 0 {
			*hint = d
		}
		if obj, fbModel, ok := e.tryModelFallback(ctx, acc, accessToken, model, body); ok {
			// The original 429 deliberately records no cooldown when the
			// fallback model succeeds.
			log.Printf("✅ Model fallback %s -> %s succeeded for %s", model, fbModel, acc.Email)
			return obj, true
		}
		category := ClassifyResponse(resp.Status, resp.Text())
		e.recordFailure(acc, category, model, resp.Text())
		return nil, false
	}

	// Other non-2xx responses count as failures but do not cool the
	// identity down; only thrown transport errors do.
	e.recordSoftFailure(acc, model, strconv.Itoa(resp.Status)+" "+resp.Text())
	return nil, false
}

// tryModelFallback walks the rest of the fallback chain once after a 429.
func (e *Engine) tryModelFallback(ctx context.Context, acc *models.Account, accessToken, model string, body map[string]interface{}) (map[string]interface{}, string, bool) {
	for fb := e.cfg.NextFallbackModel(model); fb != ""; fb = e.cfg.NextFallbackModel(fb) {
		resp, err := e.callUnary(ctx, accessToken, BuildPayload(fb, acc.ProjectID, body), fb)
		if err != nil {
			e.metrics.RecordFallback(model, fb, "error")
			return nil, "", false
		}
		if resp.OK() {
			if obj, ok := e.acceptUnary(acc, fb, body, resp); ok {
				e.metrics.RecordFallback(model, fb, "success")
				return obj, fb, true
			}
		}
		e.metrics.RecordFallback(model, fb, strconv.Itoa(resp.Status))
		if resp.Status != http.StatusTooManyRequests {
			return nil, "", false
		}
	}
	return nil, "", false
}

// callUnary runs one upstream call under the concurrency gate and the unary
// timeout budget.
func (e *Engine) callUnary(ctx context.Context, accessToken string, payload map[string]interface{}, model string) (*upstream.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.UnaryTimeout)
	defer cancel()

	start := time.Now()
	var resp *upstream.Response
	err := e.gate.Run(ctx, func() error {
		var callErr error
		resp, callErr = e.client.GenerateContent(callCtx, accessToken, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordUpstreamCall(model, strconv.Itoa(resp.Status), time.Since(start))
	return resp, nil
}

// acceptUnary validates a 2xx body and, when it carries content, performs
// the success bookkeeping: cooldown cleared, counters bumped, LRU stamped,
// audit row written.
func (e *Engine) acceptUnary(acc *models.Account, model string, body map[string]interface{}, resp *upstream.Response) (map[string]interface{}, bool) {
	var wrapped map[string]interface{}
	if err := resp.JSON(&wrapped); err != nil {
		return nil, false
	}
	obj := UnwrapResponse(wrapped)
	if !hasContent(obj) {
		return nil, false
	}

	tokens := totalTokenCount(obj)
	e.markSuccess(acc, model, tokens, promptText(body), responseText(obj), systemInstructionText(body))
	return obj, true
}

func (e *Engine) markSuccess(acc *models.Account, model string, tokens int, prompt, response, systemInstruction string) {
	now := time.Now()
	e.cooldown.MarkSuccess(acc.Email)
	if err := e.store.IncrementAccountStats(acc.Email, models.StatsDelta{Successful: 1, Tokens: int64(tokens)}); err != nil {
		log.Printf("⚠️ Failed to bump stats for %s: %v", acc.Email, err)
	}
	if err := e.store.TouchAccount(acc.Email, now); err != nil {
		log.Printf("⚠️ Failed to stamp lastUsedAt for %s: %v", acc.Email, err)
	}
	e.metrics.RecordTokens(model, tokens)

	e.store.AddRequestLog(models.RequestLog{
		AccountEmail:      acc.Email,
		Model:             model,
		Prompt:            prompt,
		Response:          response,
		SystemInstruction: systemInstruction,
		TotalTokens:       tokens,
		Success:           true,
	}, acc.AccessToken, acc.RefreshToken)
}

// recordFailure marks a cooldown for the classified category and handles the
// durable side of quota, auth and billing failures.
func (e *Engine) recordFailure(acc *models.Account, category Category, model, message string) {
	state := e.cooldown.MarkCooldown(acc.Email, category)
	e.metrics.RecordCooldown(string(category))
	log.Printf("🚫 %s cooled down (%s, failure #%d, until %s)",
		acc.Email, category, state.FailureCount, state.Until.Format(time.RFC3339))

	switch category {
	case CategoryQuota:
		if err := e.store.MarkAccountExhausted(acc.Email, time.Now()); err != nil {
			log.Printf("⚠️ Failed to persist exhaustion for %s: %v", acc.Email, err)
		}
		e.identities.Invalidate()
	case CategoryAuth, CategoryBilling:
		if err := e.store.DeactivateAccount(acc.Email); err != nil {
			log.Printf("⚠️ Failed to deactivate %s: %v", acc.Email, err)
		}
		e.identities.Invalidate()
	}

	e.bumpFailed(acc, model, message)
}

// recordSoftFailure counts a failure without cooling the identity down.
func (e *Engine) recordSoftFailure(acc *models.Account, model, message string) {
	e.bumpFailed(acc, model, message)
}

func (e *Engine) bumpFailed(acc *models.Account, model, message string) {
	if err := e.store.IncrementAccountStats(acc.Email, models.StatsDelta{Failed: 1}); err != nil {
		log.Printf("⚠️ Failed to bump stats for %s: %v", acc.Email, err)
	}
	e.store.AddRequestLog(models.RequestLog{
		AccountEmail: acc.Email,
		Model:        model,
		Success:      false,
		Error:        message,
	}, acc.AccessToken, acc.RefreshToken)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
