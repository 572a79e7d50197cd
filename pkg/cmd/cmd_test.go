package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"postgres://user@localhost/db":   "postgres",
		"postgresql://user@localhost/db": "postgresql",
		"redis://localhost:6379/0":       "redis",
		"rediss://localhost:6380/0":      "rediss",
		"file://./data":                  "file",
		"./data":                         "file",
		"mongodb://localhost":            "file",
	}

	for url, want := range tests {
		assert.Equal(t, want, parsePersistenceProvider(url), url)
	}
}

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, err := NewPersistence(ctx, log.Discard(), "")
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = NewPersistence(ctx, log.Discard(), "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)
	require.NoError(t, store.HealthCheck(ctx))
}

func TestNewEventSink(t *testing.T) {
	t.Parallel()

	sink, err := NewEventSink("none", "", "", log.Discard())
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = NewEventSink("gochannel", "", "", log.Discard())
	require.NoError(t, err)
	require.NotNil(t, sink)
	require.NoError(t, sink.Close())

	_, err = NewEventSink("kafka", "", "", log.Discard())
	require.Error(t, err)

	_, err = NewEventSink("amqp", "", "", log.Discard())
	require.Error(t, err)
}

func TestLoadAgents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: summarizer-1
    type: llm
    address: http://summarizer:8080
    tags:
      region: eu
    capabilities:
      - name: summarize
        version: "2"
        input_schema:
          type: object
          required: [text]
`), 0o600))

	agents, err := LoadAgents(path)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	agent := agents[0]
	assert.Equal(t, "summarizer-1", agent.ID)
	assert.Equal(t, "eu", agent.Tags["region"])
	require.Len(t, agent.Capabilities, 1)
	assert.Equal(t, "summarize", agent.Capabilities[0].Name)
	assert.Equal(t, "object", agent.Capabilities[0].InputSchema["type"])

	_, err = LoadAgents(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
