package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/orchestrator/internal/types"
)

func testRoles() map[types.Role]RoleConfig {
	return map[types.Role]RoleConfig{
		types.RoleCoder: {
			Primary:   "model-a",
			Fallbacks: []string{"model-b", "model-c"},
			Pools: Pools{
				TierDefault:    {"model-a", "model-b", "model-c"},
				TierCoder:      {"model-b", "model-c"},
				TierResearcher: {"model-c"},
			},
		},
	}
}

func TestGetReturnsPrimaryByDefault(t *testing.T) {
	r := New(testRoles(), "last-resort")
	res := r.Get(types.RoleCoder)
	assert.Equal(t, "model-a", res.Model)
	assert.False(t, res.Degraded)
}

func TestGetSkipsRateLimitedModel(t *testing.T) {
	r := New(testRoles(), "last-resort")
	r.MarkRateLimited("model-a", time.Minute)
	res := r.Get(types.RoleCoder)
	assert.Equal(t, "model-b", res.Model)
}

func TestPermanentlyUnavailableNeverReturnedAgain(t *testing.T) {
	r := New(testRoles(), "last-resort")
	r.MarkPermanentlyUnavailable("model-a")

	for i := 0; i < 5; i++ {
		res := r.Get(types.RoleCoder)
		assert.NotEqual(t, "model-a", res.Model)
	}
	assert.True(t, r.IsPermanentlyUnavailable("model-a"))
}

func TestGetDegradesWhenAllExcluded(t *testing.T) {
	r := New(testRoles(), "last-resort")
	r.MarkPermanentlyUnavailable("model-a")
	r.MarkPermanentlyUnavailable("model-b")
	r.MarkPermanentlyUnavailable("model-c")

	res := r.Get(types.RoleCoder)
	assert.Equal(t, "last-resort", res.Model)
	assert.True(t, res.Degraded)
}

func TestGetForErrorAvoidsTriedModels(t *testing.T) {
	r := New(testRoles(), "last-resort")
	hash := "abc123"
	r.MarkErrorTried(hash, "model-a")

	res := r.GetForError(types.RoleCoder, hash)
	assert.Equal(t, "model-b", res.Model)
}

func TestGetForErrorClearsTriedSetWhenPoolExhausted(t *testing.T) {
	r := New(testRoles(), "last-resort")
	hash := "abc123"
	r.MarkErrorTried(hash, "model-a")
	r.MarkErrorTried(hash, "model-b")
	r.MarkErrorTried(hash, "model-c")

	res := r.GetForError(types.RoleCoder, hash)
	require.Equal(t, "model-a", res.Model)
}

func TestMarkSuccessClearsRateLimit(t *testing.T) {
	r := New(testRoles(), "last-resort")
	r.MarkRateLimited("model-a", time.Minute)
	r.MarkSuccess("model-a")

	res := r.Get(types.RoleCoder)
	assert.Equal(t, "model-a", res.Model)
}

func TestTierForPingPong(t *testing.T) {
	assert.Equal(t, TierDefault, TierForPingPong(1))
	assert.Equal(t, TierCoder, TierForPingPong(3))
	assert.Equal(t, TierResearcher, TierForPingPong(6))
}

func TestSetTierChangesPool(t *testing.T) {
	r := New(testRoles(), "last-resort")
	r.SetTier(types.RoleCoder, TierResearcher)
	res := r.Get(types.RoleCoder)
	assert.Equal(t, "model-c", res.Model)
}

func TestConcurrentAccessIsSerialized(t *testing.T) {
	r := New(testRoles(), "last-resort")
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(i int) {
			r.MarkRateLimited("model-a", time.Millisecond)
			r.Get(types.RoleCoder)
			r.MarkSuccess("model-a")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
