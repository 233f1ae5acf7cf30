package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	t.Cleanup(func() { Set(nil) })
	require.NoError(t, Init("DEBUG", "console"))
	require.NoError(t, Init("warn", "json"))
	assert.Error(t, Init("verbose", "json"))
}

func TestSetObserver(t *testing.T) {
	t.Cleanup(func() { Set(nil) })
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))

	Debug("dropped")
	Info("clip raster", zap.Int("srid", 32614))
	Warn("repair")
	Error("failed")

	require.Equal(t, 3, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "clip raster", entry.Message)
	assert.Equal(t, int64(32614), entry.ContextMap()["srid"])
	assert.Same(t, L(), L())
}
