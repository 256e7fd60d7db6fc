package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration for the relay process.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Agent struct {
		BaseURL         string        `mapstructure:"base_url"`
		DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	} `mapstructure:"agent"`
	Webhook struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"webhook"`
	Token struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"token"`
	Scheduler struct {
		TickInterval time.Duration `mapstructure:"tick_interval"`
	} `mapstructure:"scheduler"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "text" or "json"
	} `mapstructure:"log"`
}

// Load reads relay.yaml (if present) and RELAY_* environment variables.
// Environment overrides the file; nested keys use underscores, e.g.
// RELAY_AGENT_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay")
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults can carry the process.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && path == "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Agent.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Agent.BaseURL), "/")
	return &cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.path", "relay.db")
	v.SetDefault("agent.dispatch_timeout", 30*time.Second)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) validate() error {
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required (RELAY_AGENT_BASE_URL)")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required (RELAY_TOKEN_SECRET)")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required (RELAY_WEBHOOK_SECRET)")
	}
	return nil
}
