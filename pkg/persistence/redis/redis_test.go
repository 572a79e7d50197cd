package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
	choreoredis "github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ persistence.Persistence = (*choreoredis.Persistence)(nil)

// newStore connects to REDIS_URL under a random key prefix.
func newStore(t *testing.T) (*choreoredis.Persistence, context.Context) {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx := context.Background()

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "choreo-test-" + uuid.NewString()
	store := choreoredis.NewWithClient(log.Discard(), client, prefix)

	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}

		_ = store.Close(ctx)
	})

	return store, ctx
}

func TestNewPersistence_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := choreoredis.NewPersistence(context.Background(), log.Discard(), "not a url")
	require.Error(t, err)
}

func TestPersistence_Workflows(t *testing.T) {
	store, ctx := newStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveWorkflow(ctx, &models.Workflow{
		ID: "second", Name: "second", Version: 1, CreatedAt: now,
		Steps: []*models.WorkflowStep{{ID: "a", Capability: "work"}},
	}))
	require.NoError(t, store.SaveWorkflow(ctx, &models.Workflow{
		ID: "first", Name: "first", Version: 1, CreatedAt: now.Add(-time.Minute),
		Steps: []*models.WorkflowStep{{ID: "a", Capability: "work"}},
	}))

	all, err := store.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].ID)

	require.NoError(t, store.DeleteWorkflow(ctx, "first"))

	_, err = store.WorkflowByID(ctx, "first")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestPersistence_Executions(t *testing.T) {
	store, ctx := newStore(t)

	require.NoError(t, store.SaveExecution(ctx, &models.WorkflowExecution{
		ID: "e-1", WorkflowID: "W1", Status: models.ExecutionStatusFailed, Error: "step A: boom", CreatedAt: time.Now(),
	}))

	got, err := store.ExecutionByID(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "step A: boom", got.Error)

	failed, err := store.Executions(ctx, persistence.ExecutionQuery{Status: models.ExecutionStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	require.NoError(t, store.DeleteExecution(ctx, "e-1"))

	_, err = store.ExecutionByID(ctx, "e-1")
	assert.True(t, persistence.IsExecutionNotFound(err))
}
