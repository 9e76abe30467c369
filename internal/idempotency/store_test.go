package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/casework/model"
)

var stamp = time.Date(2024, 4, 2, 10, 30, 0, 0, time.UTC)

func testResult() model.ApplicationView {
	return model.ApplicationView{
		Application: &model.Application{
			ID:      "app-1",
			TypeID:  "residence-permit",
			State:   "in-review",
			Status:  model.StatusInProgress,
			Answers: map[string]any{"applicant": map[string]any{"name": "Jon"}},
			ExternalData: map[string]model.DataProviderResult{
				"national-registry": model.SuccessResult(stamp, map[string]any{"citizen": true}),
				"tax-records":       {Status: model.DataProviderStatusFailure, Date: stamp, Reason: "timeout", HideSubmitError: true},
			},
			Version: 3,
		},
		ActionCard: model.ActionCard{Status: model.StatusInProgress, Title: "In review", History: []model.HistoryEntry{}},
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// storeFactories runs each behavioural test against both implementations.
func storeFactories(t *testing.T) map[string]Store {
	_, client := newTestRedis(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestStore_checkNotFound(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			result, found, err := store.Check(context.Background(), FormatKey("app-1", "k1"), "hash")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, result)
		})
	}
}

func TestStore_saveAndCheck(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatKey("app-1", "k1")

			require.NoError(t, store.Save(ctx, key, "hash", testResult(), 5*time.Minute))

			result, found, err := store.Check(ctx, key, "hash")
			require.NoError(t, err)
			require.True(t, found)
			require.NotNil(t, result.Application)
			assert.Equal(t, "in-review", result.Application.State)
			assert.Equal(t, 3, result.Application.Version)
			assert.Equal(t, "In review", result.ActionCard.Title)

			failure := result.Application.ExternalData["tax-records"]
			assert.Equal(t, model.DataProviderStatusFailure, failure.Status)
			assert.True(t, failure.HideSubmitError)
			assert.True(t, result.Application.ExternalData["national-registry"].Succeeded())
		})
	}
}

func TestStore_conflictOnHashMismatch(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatKey("app-1", "k1")
			require.NoError(t, store.Save(ctx, key, "hash-a", testResult(), time.Minute))

			_, found, err := store.Check(ctx, key, "hash-b")
			assert.True(t, found)
			assert.True(t, model.IsCode(err, model.ErrConflict))
		})
	}
}

func TestStore_healthCheck(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, store.HealthCheck(context.Background()))
		})
	}
}

func TestMemoryStore_ttlExpiry(t *testing.T) {
	store := NewMemoryStore()
	current := stamp
	store.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", "hash", testResult(), time.Minute))
	current = current.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "hash")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, store.Len(), "expired entry is removed on check")
}

func TestMemoryStore_resultIsIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	res := testResult()
	require.NoError(t, store.Save(ctx, "k", "hash", res, time.Minute))

	res.Application.State = "mutated"
	got, _, err := store.Check(ctx, "k", "hash")
	require.NoError(t, err)
	assert.Equal(t, "in-review", got.Application.State)
}

func TestRedisStore_ttlExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", "hash", testResult(), time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := store.Check(ctx, "k", "hash")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_unreachable(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	mr.Close()

	assert.Error(t, store.HealthCheck(context.Background()))
	_, _, err := store.Check(context.Background(), "k", "hash")
	assert.Error(t, err)
}

func TestHashInput(t *testing.T) {
	assert.Equal(t, HashInput("SUBMIT", "0101302989"), HashInput("SUBMIT", "0101302989"))
	assert.NotEqual(t, HashInput("SUBMIT", "0101302989"), HashInput("SUBMIT0101302989"))
	assert.Equal(t, "idem:app-1:key", FormatKey("app-1", "key"))
}
