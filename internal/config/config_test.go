package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLoad_Defaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	Register(flags, v)
	require.NoError(t, flags.Parse(nil))

	cfg := Load(v)
	assert.Equal(t, []string{"0", "1"}, cfg.GpuDeviceIDs)
	assert.Equal(t, 600, cfg.SessionIdleTimeout)
	assert.Equal(t, 5, cfg.SessionQueueMaxSize)
	assert.Equal(t, 30, cfg.MonitorInterval)
	assert.True(t, cfg.AutoFetchModels)
}

func TestLoad_ClampsHardCeiling(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	Register(flags, v)
	require.NoError(t, flags.Parse([]string{"--max-task-timeout=999999999"}))

	cfg := Load(v)
	assert.Equal(t, MaxTaskTimeoutHardCeiling, cfg.MaxTaskTimeout)
}

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, 1, ClampTimeout(0, 900))
	assert.Equal(t, 1, ClampTimeout(-5, 900))
	assert.Equal(t, 900, ClampTimeout(1000, 900))
	assert.Equal(t, 42, ClampTimeout(42, 900))
}

func TestRegister_EnvOverride(t *testing.T) {
	t.Setenv("SESSION_QUEUE_MAX_SIZE", "9")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	Register(flags, v)
	require.NoError(t, flags.Parse(nil))

	cfg := Load(v)
	assert.Equal(t, 9, cfg.SessionQueueMaxSize)
}
