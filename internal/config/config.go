// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Driver          string `yaml:"driver" json:"driver"` // "postgres" or "sqlite"
	DSN             string `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // seconds
}

// TradeConfig represents the negotiation timing windows
type TradeConfig struct {
	InviteWindow    time.Duration `yaml:"invite_window" json:"invite_window"`
	SessionLifetime time.Duration `yaml:"session_lifetime" json:"session_lifetime"`
	ConfirmWindow   time.Duration `yaml:"confirm_window" json:"confirm_window"`
}

// Config represents the application configuration
type Config struct {
	LogLevel string         `yaml:"log_level" json:"log_level"`
	HTTPAddr string         `yaml:"http_addr" json:"http_addr"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Trade    TradeConfig    `yaml:"trade" json:"trade"`
}

// LoadConfig loads the application configuration from config.yaml (if present)
// and the environment, applying defaults for anything unset
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "hearthvale.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("trade.invite_window", 30*time.Second)
	v.SetDefault("trade.session_lifetime", 10*time.Minute)
	v.SetDefault("trade.confirm_window", 60*time.Second)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("HEARTHVALE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	cfg.LogLevel = v.GetString("log_level")
	cfg.HTTPAddr = v.GetString("http_addr")
	cfg.Database.Driver = v.GetString("database.driver")
	cfg.Database.DSN = v.GetString("database.dsn")
	cfg.Database.MaxOpenConns = v.GetInt("database.max_open_conns")
	cfg.Database.MaxIdleConns = v.GetInt("database.max_idle_conns")
	cfg.Database.ConnMaxLifetime = v.GetInt("database.conn_max_lifetime")
	cfg.Trade.InviteWindow = v.GetDuration("trade.invite_window")
	cfg.Trade.SessionLifetime = v.GetDuration("trade.session_lifetime")
	cfg.Trade.ConfirmWindow = v.GetDuration("trade.confirm_window")

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn must be set")
	}

	return cfg, nil
}
