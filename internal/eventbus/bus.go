// Package eventbus implements the Event Log Bus (C1): a non-blocking sink
// for structured (agent, event, payload) tuples consumed by external
// UI/telemetry. Delivery is best-effort and must never block or fail a
// call site, per spec.md §4.1. Modeled on the teacher's logging package's
// "never let a side effect block the caller" discipline, generalized from
// a single file sink to a fan-out of subscribers plus a Prometheus counter
// set (grounded on vjache-cie's go.mod, the pack's only direct Prometheus
// consumer) so TokenMetrics/iteration counts survive process restarts of
// any one UI consumer.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgeloop/orchestrator/internal/logging"
)

// Event is one structured tuple delivered to subscribers.
type Event struct {
	Agent     string
	Event     string
	Payload   string // pre-serialized JSON, per spec.md §4.1
	Timestamp time.Time
}

// Subscriber receives events. Implementations must not block for long;
// the bus gives each subscriber a bounded channel and drops events for a
// slow subscriber rather than stall emit().
type Subscriber chan Event

// Bus is the process-wide Event Log Bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber

	iterationsTotal prometheus.Counter
	modelSwitches   prometheus.Counter
	sandboxPass     prometheus.Counter
	sandboxFail     prometheus.Counter
	totalTokens     prometheus.Counter
	totalCostUSD    prometheus.Counter
}

// New creates an Event Log Bus with its Prometheus counters registered
// against reg (pass prometheus.NewRegistry() in tests to avoid global
// registry collisions across parallel test runs).
func New(reg prometheus.Registerer) *Bus {
	b := &Bus{
		subscribers: make(map[string]Subscriber),
		iterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_iterations_total",
			Help: "Total iteration controller loops executed.",
		}),
		modelSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_model_switches_total",
			Help: "Total model switches recommended by the orchestrator validator.",
		}),
		sandboxPass: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_sandbox_pass_total",
			Help: "Total sandbox runs that passed.",
		}),
		sandboxFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_sandbox_fail_total",
			Help: "Total sandbox runs that failed.",
		}),
		totalTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_tokens_total",
			Help: "Total tokens consumed across all LLM calls.",
		}),
		totalCostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_cost_usd_total",
			Help: "Total estimated USD cost across all LLM calls.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			b.iterationsTotal, b.modelSwitches, b.sandboxPass, b.sandboxFail,
			b.totalTokens, b.totalCostUSD,
		} {
			_ = reg.Register(c) // registration errors are non-essential, ignore
		}
	}
	return b
}

// Subscribe registers a new subscriber with a bounded buffer; returns a
// channel the caller should range over, and an unsubscribe func.
func (b *Bus) Subscribe(id string, buffer int) (Subscriber, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(Subscriber, buffer)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(ch)
	}
}

// Emit delivers (agent, event, payload) to every subscriber without
// blocking; a full subscriber buffer silently drops the event, per
// spec.md §4.1 "dropped events are acceptable".
func (b *Bus) Emit(agent, event, payloadJSON string) {
	e := Event{Agent: agent, Event: event, Payload: payloadJSON, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// Drop: non-blocking contract.
		}
	}

	b.recordMetrics(event, payloadJSON)
	logging.Get(logging.CategoryEventBus).Debug(event, map[string]interface{}{"agent": agent})
}

func (b *Bus) recordMetrics(event, payloadJSON string) {
	switch event {
	case "ModelSwitch":
		b.modelSwitches.Inc()
	case "SandboxResult":
		var p struct {
			OverallStatus string `json:"overall_status"`
		}
		if json.Unmarshal([]byte(payloadJSON), &p) == nil {
			if p.OverallStatus == "PASS" {
				b.sandboxPass.Inc()
			} else if p.OverallStatus == "FAIL" {
				b.sandboxFail.Inc()
			}
		}
	case "TokenMetrics":
		var p struct {
			TotalTokens int     `json:"total_tokens"`
			TotalCost   float64 `json:"total_cost"`
		}
		if json.Unmarshal([]byte(payloadJSON), &p) == nil {
			b.totalTokens.Add(float64(p.TotalTokens))
			b.totalCostUSD.Add(p.TotalCost)
		}
	case "IterationStart":
		b.iterationsTotal.Inc()
	}
}

// HeartbeatPayload is the payload shape for a Heartbeat event, per
// spec.md §4.1.
type HeartbeatPayload struct {
	Status          string  `json:"status"`
	Task            string  `json:"task"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	HeartbeatCount  int     `json:"heartbeat_count"`
}

// EmitHeartbeat is a convenience wrapper that serializes and emits a
// Heartbeat event.
func (b *Bus) EmitHeartbeat(agent, task string, elapsed time.Duration, count int) {
	p := HeartbeatPayload{
		Status:         "working",
		Task:           task,
		ElapsedSeconds: elapsed.Seconds(),
		HeartbeatCount: count,
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return
	}
	b.Emit(agent, "Heartbeat", string(buf))
}

// SetWorkerStatus emits a worker-status update, per spec.md §4.1.
func (b *Bus) SetWorkerStatus(role, state, message, model string) {
	payload := map[string]string{
		"role": role, "state": state, "message": message, "model": model,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.Emit(role, "WorkerStatus", string(buf))
}
