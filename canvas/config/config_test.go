package config_test

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"canvasd.io/canvasd/canvas/config"
)

func TestLoadReturnsDefaultsWithNoOverrides(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	config.Bind(cmd, v)

	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestFlagOverridesDefault(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test", Run: func(*cobra.Command, []string) {}}
	config.Bind(cmd, v)

	cmd.SetArgs([]string{"--db-dsn", "/tmp/other.db"})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, "/tmp/other.db", cfg.DBDSN)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("CANVASD_HTTP_ADDR", ":9999")

	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	config.Bind(cmd, v)

	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
}
