package rdma

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := applyConfig(nil)
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.device)
	assert.Equal(t, DefaultAccess, cfg.access)
	assert.Equal(t, DefaultCQSize, cfg.cqSize)
	assert.Equal(t, DefaultGIDIndex, cfg.gidIndex)
	assert.Equal(t, DefaultMRChanCap, cfg.mrChanCap)
	assert.NotNil(t, cfg.metrics)
	assert.NotNil(t, cfg.logger)
}

func TestOptionsApply(t *testing.T) {
	logger := logrus.New()
	metrics := NewDefaultMetrics()

	cfg := applyConfig([]Option{
		WithDevice("mlx5_0"),
		WithAccess(AccessLocalWrite | AccessRemoteRead),
		WithCQSize(64),
		WithGIDIndex(3),
		WithMRChanCap(4),
		WithMetrics(metrics),
		WithLogger(logger),
	})
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mlx5_0", cfg.device)
	assert.Equal(t, AccessLocalWrite|AccessRemoteRead, cfg.access)
	assert.Equal(t, 64, cfg.cqSize)
	assert.Equal(t, 3, cfg.gidIndex)
	assert.Equal(t, 4, cfg.mrChanCap)
	assert.Same(t, metrics, cfg.metrics.(*DefaultMetrics))
	assert.Same(t, logger, cfg.logger)
}

func TestValidateRejectsNonsense(t *testing.T) {
	cfg := defaultConfig()
	cfg.cqSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = defaultConfig()
	cfg.access = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"device: mlx5_1\ncq_size: 32\ngid_index: 0\naccess: [local-write, remote-write]\n"), 0o644))

	opts, err := LoadConfig(path)
	require.NoError(t, err)

	cfg := applyConfig(opts)
	assert.Equal(t, "mlx5_1", cfg.device)
	assert.Equal(t, 32, cfg.cqSize)
	assert.Equal(t, 0, cfg.gidIndex)
	assert.Equal(t, AccessLocalWrite|AccessRemoteWrite, cfg.access)
}

func TestLoadConfigUnknownAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("access: [world-write]\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
