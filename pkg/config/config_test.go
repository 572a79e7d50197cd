package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, Default().Validate())
}

func TestApply_PartialUpdate(t *testing.T) {
	t.Parallel()

	limit := 5
	rollback := false

	next, err := Default().Apply(Patch{MaxConcurrentExecutions: &limit, RollbackEnabled: &rollback})
	require.NoError(t, err)

	assert.Equal(t, 5, next.MaxConcurrentExecutions)
	assert.False(t, next.RollbackEnabled)
	assert.Equal(t, DefaultMaxConcurrentStepDispatches, next.MaxConcurrentStepDispatches)
}

func TestApply_RejectsInvalid(t *testing.T) {
	t.Parallel()

	zero := 0
	base := Default()

	next, err := base.Apply(Patch{EventBufferSize: &zero})
	require.Error(t, err)
	assert.ErrorIs(t, err, choreoerr.ErrInvalidConfig)
	assert.Equal(t, base, next)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "choreo.yaml")
	content := []byte("max_concurrent_step_dispatches: 7\ndefault_step_timeout: 5s\nrollback_enabled: false\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadFile(path, Default())
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxConcurrentStepDispatches)
	assert.Equal(t, 5*time.Second, cfg.DefaultStepTimeout)
	assert.False(t, cfg.RollbackEnabled)
	assert.Equal(t, DefaultEventBufferSize, cfg.EventBufferSize)
}

func TestLoadFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), Default())
	require.Error(t, err)
}
