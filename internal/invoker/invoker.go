// Package invoker implements the LLM Invoker (C4): a single call
// abstraction with heartbeat emission, timeout, and uniform error
// classification, per spec.md §4.4. The work task and heartbeat task are
// two explicitly cooperating goroutines (spec.md §9 redesign flag:
// "Thread + event-loop mixing for heartbeats... any implementation in a
// language with strict task models MUST implement both tasks under the
// same scheduler and MUST NOT use blocking sleeps on the event-loop
// thread"), joined with context cancellation rather than an ad-hoc sleep
// loop.
package invoker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgeloop/orchestrator/internal/classify"
	"github.com/forgeloop/orchestrator/internal/eventbus"
	"github.com/forgeloop/orchestrator/internal/llmclient"
	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/types"
)

// ErrorTag is the tagged sum type the Invoker propagates instead of
// relying on exception-driven control flow, per spec.md §9.
type ErrorTag string

const (
	TagTimeout        ErrorTag = "Timeout"
	TagRateLimit      ErrorTag = "RateLimit"
	TagServerError    ErrorTag = "ServerError"
	TagUnavailable    ErrorTag = "Unavailable"
	TagEmptyResponse  ErrorTag = "EmptyResponse"
	TagOpenRouter     ErrorTag = "OpenRouter"
	TagPermanent      ErrorTag = "Permanent"
	TagOther          ErrorTag = "Other"
)

// InvokeError carries the classified tag alongside the raw error.
type InvokeError struct {
	Tag     ErrorTag
	Message string
	Seconds float64 // populated for TagTimeout
}

func (e *InvokeError) Error() string {
	if e.Tag == TagTimeout {
		return fmt.Sprintf("timeout after %.0fs", e.Seconds)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

// Classify maps a raw provider Response/error into an ErrorTag, using the
// pure predicates from internal/classify (C14), in their documented
// order-sensitive precedence.
func Classify(resp llmclient.Response, callErr error) ErrorTag {
	msg := resp.RawMessage
	if callErr != nil && msg == "" {
		msg = callErr.Error()
	}

	switch {
	case classify.IsPermanentlyUnavailable(msg):
		return TagPermanent
	case classify.IsOpenRouterError(msg):
		return TagOpenRouter
	case classify.IsModelUnavailable(resp.StatusCode, msg):
		return TagUnavailable
	case classify.IsRateLimit(resp.StatusCode, msg):
		return TagRateLimit
	case classify.IsLiteLLMInternal(msg):
		return TagRateLimit
	case classify.IsServerError(resp.StatusCode, msg):
		return TagServerError
	case classify.IsEmptyOrInvalidResponse(resp.Text) && callErr == nil:
		return TagEmptyResponse
	case callErr != nil:
		return TagOther
	default:
		return ""
	}
}

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	filenameRe   = regexp.MustCompile("(?m)^### FILENAME:")
	fenceRe      = regexp.MustCompile("(?m)^```")
)

// CleanOutput strips provider-specific <think>...</think> blocks and a
// short non-code preamble before the first "### FILENAME:" marker or code
// fence, per spec.md §4.4.
func CleanOutput(raw string) string {
	cleaned := thinkBlockRe.ReplaceAllString(raw, "")

	loc := filenameRe.FindStringIndex(cleaned)
	fenceLoc := fenceRe.FindStringIndex(cleaned)
	cut := -1
	switch {
	case loc != nil && fenceLoc != nil:
		if loc[0] < fenceLoc[0] {
			cut = loc[0]
		} else {
			cut = fenceLoc[0]
		}
	case loc != nil:
		cut = loc[0]
	case fenceLoc != nil:
		cut = fenceLoc[0]
	}

	if cut > 0 {
		preamble := strings.TrimSpace(cleaned[:cut])
		if len(preamble) < 50 && !looksLikeNarration(preamble) {
			cleaned = cleaned[cut:]
		}
	}
	return strings.TrimSpace(cleaned)
}

func looksLikeNarration(preamble string) bool {
	low := strings.ToLower(preamble)
	for _, phrase := range []string{"here is", "here's", "i'll", "let me", "i will", "sure,"} {
		if strings.Contains(low, phrase) {
			return true
		}
	}
	return false
}

// Invoker calls an LLM provider with heartbeat emission and a hard
// timeout, per spec.md §4.4 and §5 item 2.
type Invoker struct {
	bus              *eventbus.Bus
	heartbeatEvery   time.Duration
	limiters         map[string]*rate.Limiter
	limitersMu       sync.Mutex
	limiterRPS       float64
}

// New creates an Invoker. heartbeatEvery defaults to 5s if <= 0.
// limiterRPS bounds outbound requests per provider (0 disables limiting),
// backed by golang.org/x/time/rate so a burst of parallel-patch-executor
// (C7) goroutines hitting the same provider can't itself trip the
// provider's own throttling.
func New(bus *eventbus.Bus, heartbeatEvery time.Duration, limiterRPS float64) *Invoker {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 5 * time.Second
	}
	return &Invoker{
		bus:            bus,
		heartbeatEvery: heartbeatEvery,
		limiters:       map[string]*rate.Limiter{},
		limiterRPS:     limiterRPS,
	}
}

func (inv *Invoker) limiterFor(provider string) *rate.Limiter {
	if inv.limiterRPS <= 0 {
		return nil
	}
	inv.limitersMu.Lock()
	defer inv.limitersMu.Unlock()
	l, ok := inv.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(inv.limiterRPS), 1)
		inv.limiters[provider] = l
	}
	return l
}

// Invoke performs one logical call: runs the work task and a concurrent
// heartbeat task, joins on whichever finishes first, and signals the
// heartbeat task to stop. Returns the cleaned text or a classified
// *InvokeError.
func (inv *Invoker) Invoke(ctx context.Context, provider llmclient.Provider, role types.Role, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error) {
	if limiter := inv.limiterFor(provider.Name()); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", &InvokeError{Tag: TagOther, Message: err.Error()}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type workResult struct {
		resp llmclient.Response
		err  error
	}
	workDone := make(chan workResult, 1)
	heartbeatDone := make(chan struct{})

	go func() {
		resp, err := provider.Complete(callCtx, model, systemPrompt, userPrompt, timeout)
		workDone <- workResult{resp: resp, err: err}
	}()

	start := time.Now()
	go func() {
		count := 0
		ticker := time.NewTicker(inv.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				count++
				if inv.bus != nil {
					inv.bus.EmitHeartbeat(string(role), "llm_call", time.Since(start), count)
				}
			}
		}
	}()

	var result workResult
	select {
	case result = <-workDone:
	case <-callCtx.Done():
		close(heartbeatDone)
		logging.Get(logging.CategoryInvoker).Warn("llm call timed out", map[string]interface{}{"role": string(role), "model": model})
		return "", &InvokeError{Tag: TagTimeout, Seconds: timeout.Seconds()}
	}
	close(heartbeatDone)

	tag := Classify(result.resp, result.err)
	if tag != "" {
		return "", &InvokeError{Tag: tag, Message: result.resp.RawMessage}
	}

	return CleanOutput(result.resp.Text), nil
}
