// Package router implements the Model Router (C3): per-role model
// selection with fallback queues, rate-limit pausing, per-error-hash
// tried-set, and tier escalation, per spec.md §4.3. The Router owns its
// state; concurrent access is serialized by a mutex, per spec.md §5
// ("the only component with mutable cross-iteration state touched from
// multiple places... its mutations go through a mutex"), mirroring the
// teacher's shard_manager's single-writer-lock discipline.
package router

import (
	"sync"
	"time"

	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/types"
)

// Tier is a model capability pool used for tier escalation.
type Tier string

const (
	TierDefault    Tier = "default"
	TierCoder      Tier = "coder"
	TierResearcher Tier = "researcher"
)

// Pools holds, per tier, the ordered list of model ids a role may draw
// from (primary first, then fallbacks).
type Pools map[Tier][]string

// RoleConfig is one role's model configuration.
type RoleConfig struct {
	Primary   string
	Fallbacks []string // ordered fallback queue
	Pools     Pools    // tier -> ordered pool, for tier escalation; TierDefault required
}

// Router is the Model Router (C3).
type Router struct {
	mu sync.Mutex

	roles map[types.Role]RoleConfig

	rateLimited             map[string]time.Time // model_id -> not_before_time
	permanentlyUnavailable  map[string]bool
	errorModelHistory       map[string]map[string]bool // error_hash -> tried model set
	lastResortModel         string
	tierHint                map[types.Role]Tier
	defaultBackoff          time.Duration
}

// New creates a Router. lastResort is returned by Get when every model in
// a role's pool is excluded.
func New(roles map[types.Role]RoleConfig, lastResort string) *Router {
	return &Router{
		roles:                  roles,
		rateLimited:            map[string]time.Time{},
		permanentlyUnavailable: map[string]bool{},
		errorModelHistory:      map[string]map[string]bool{},
		lastResortModel:        lastResort,
		tierHint:               map[types.Role]Tier{},
		defaultBackoff:         60 * time.Second,
	}
}

// poolFor returns the candidate list for a role, honoring any tier hint.
func (r *Router) poolFor(role types.Role) []string {
	cfg, ok := r.roles[role]
	if !ok {
		return nil
	}
	if tier, ok := r.tierHint[role]; ok && tier != TierDefault {
		if pool, ok := cfg.Pools[tier]; ok && len(pool) > 0 {
			return pool
		}
	}
	return append([]string{cfg.Primary}, cfg.Fallbacks...)
}

func (r *Router) excludedLocked(model string, now time.Time) bool {
	if r.permanentlyUnavailable[model] {
		return true
	}
	if nb, ok := r.rateLimited[model]; ok && now.Before(nb) {
		return true
	}
	return false
}

// Result carries the selected model plus whether selection was degraded
// (every candidate excluded, falling back to the last-resort model).
type Result struct {
	Model    string
	Degraded bool
}

// Get returns the current primary for role, skipping any model whose
// rate-limit window has not expired and any permanently-unavailable
// model; if all are excluded, returns the last-resort model with
// Degraded=true, per spec.md §4.3.
func (r *Router) Get(role types.Role) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, model := range r.poolFor(role) {
		if !r.excludedLocked(model, now) {
			return Result{Model: model}
		}
	}
	logging.Get(logging.CategoryRouter).Warn("all candidates excluded, using last resort", map[string]interface{}{"role": string(role)})
	return Result{Model: r.lastResortModel, Degraded: true}
}

// GetForError returns a model for role that has not yet been tried for
// this exact error_hash, preferring the current primary; if the whole
// pool has been tried, the tried-set is cleared and the primary is
// returned, per spec.md §4.3.
func (r *Router) GetForError(role types.Role, errorHash string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.poolFor(role)
	tried := r.errorModelHistory[errorHash]

	now := time.Now()
	for _, model := range pool {
		if r.excludedLocked(model, now) {
			continue
		}
		if tried == nil || !tried[model] {
			return Result{Model: model}
		}
	}

	// Whole pool tried for this error: clear and return primary.
	delete(r.errorModelHistory, errorHash)
	if len(pool) == 0 {
		return Result{Model: r.lastResortModel, Degraded: true}
	}
	return Result{Model: pool[0]}
}

// MarkRateLimited sets not_before_time for model; a zero duration uses the
// default 60s backoff, per spec.md §4.3.
func (r *Router) MarkRateLimited(model string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if duration <= 0 {
		duration = r.defaultBackoff
	}
	r.rateLimited[model] = time.Now().Add(duration)
}

// MarkPermanentlyUnavailable is irreversible within the process, per
// spec.md §4.3 and §8's invariant: once marked, the model never again
// appears in any Get() result.
func (r *Router) MarkPermanentlyUnavailable(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permanentlyUnavailable[model] = true
}

// IsPermanentlyUnavailable reports whether model was ever marked
// permanently unavailable in this process.
func (r *Router) IsPermanentlyUnavailable(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permanentlyUnavailable[model]
}

// MarkErrorTried records that model attempted and failed on errorHash.
func (r *Router) MarkErrorTried(errorHash, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.errorModelHistory[errorHash]
	if !ok {
		set = map[string]bool{}
		r.errorModelHistory[errorHash] = set
	}
	set[model] = true
}

// MarkSuccess clears any transient rate-limit entry for model.
func (r *Router) MarkSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rateLimited, model)
}

// SetTier sets the tier hint used by Get/GetForError for role, per the
// ping-pong-driven tier escalation in spec.md §4.3 and §4.12 step 12.
func (r *Router) SetTier(role types.Role, tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tierHint[role] = tier
}

// Tier returns the current tier hint for role (TierDefault if unset).
func (r *Router) Tier(role types.Role) Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tierHint[role]; ok {
		return t
	}
	return TierDefault
}

// TierForPingPong maps a per-file ping-pong iteration count to the tier
// escalation level, per spec.md §4.3 ("On repeated ping-pong for a single
// file (>= 3 iterations -> coder; >= 6 -> researcher)").
func TierForPingPong(consecutiveIterations int) Tier {
	switch {
	case consecutiveIterations >= 6:
		return TierResearcher
	case consecutiveIterations >= 3:
		return TierCoder
	default:
		return TierDefault
	}
}
