// Package config implements canvasd's own small flags>env>file binding
// layer: storj's pkg/process.Bind/cfgstruct machinery is internal to
// that module's build (struct-tag-driven default/dev-default/release-
// default selection wired to its own release build tags) and is not
// reusable outside it, so canvasd reimplements the same flags>env>file
// precedence with spf13/cobra + spf13/viper directly, in the teacher's
// idiom rather than importing cfgstruct.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is canvasd's full runtime configuration.
type Config struct {
	HTTPAddr      string `mapstructure:"http-addr"`
	WebsocketAddr string `mapstructure:"ws-addr"`

	DBDriver string `mapstructure:"db-driver"`
	DBDSN    string `mapstructure:"db-dsn"`

	BlobsDir     string `mapstructure:"blobs-dir"`
	BlobsBaseURL string `mapstructure:"blobs-base-url"`

	RedisAddr string `mapstructure:"redis-addr"`

	InstanceID string `mapstructure:"instance-id"`
	LogLevel   string `mapstructure:"log-level"`
}

// Defaults mirrors the single-process/sqlite/disk-blobs/no-redis
// development posture; production deployments override every field via
// flag, env var (CANVASD_ prefix) or config file.
func Defaults() Config {
	return Config{
		HTTPAddr:      ":8080",
		WebsocketAddr: ":8081",
		DBDriver:      "sqlite3",
		DBDSN:         "canvasd.db",
		BlobsDir:      "./blobs",
		BlobsBaseURL:  "/uploads",
		RedisAddr:     "",
		InstanceID:    "canvasd-0",
		LogLevel:      "info",
	}
}

// Bind registers Config's fields as persistent flags on cmd and binds
// them into v, layering flags over environment (CANVASD_*) over any
// config file v was already told to read. Call Load after cmd.Execute
// to resolve the now-layered values into a Config.
func Bind(cmd *cobra.Command, v *viper.Viper) {
	def := Defaults()
	flags := cmd.PersistentFlags()
	flags.String("http-addr", def.HTTPAddr, "HTTP collaborator surface listen address")
	flags.String("ws-addr", def.WebsocketAddr, "websocket Transport listen address")
	flags.String("db-driver", def.DBDriver, "sqlite3 or postgres")
	flags.String("db-dsn", def.DBDSN, "sqlite path or postgres DSN")
	flags.String("blobs-dir", def.BlobsDir, "local disk root for DiskBlobs")
	flags.String("blobs-base-url", def.BlobsBaseURL, "URL prefix DiskBlobs serves under")
	flags.String("redis-addr", def.RedisAddr, "redis address for the presence bus; empty disables it")
	flags.String("instance-id", def.InstanceID, "identifies this process to the presence bus")
	flags.String("log-level", def.LogLevel, "zap level: debug, info, warn, error")

	v.SetEnvPrefix("canvasd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

// Load resolves v's layered values (flags > env > file, viper's own
// precedence) into cfg.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	return cfg, nil
}
