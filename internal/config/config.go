// Package config loads the engine configuration from TOML.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/flotilla/internal/logger"
)

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type StoreConfig struct {
	// DSN selects the backend: postgres://, sqlite://, a plain file path,
	// or "memory".
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	// Type is "clickhouse" or empty to disable the sink.
	Type     string `mapstructure:"type"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

type DeployConfig struct {
	BaseDir     string `mapstructure:"base_dir"`
	PackagePath string `mapstructure:"package_path"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

type TasksConfig struct {
	Workers int `mapstructure:"workers"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	History    HistoryConfig    `mapstructure:"history"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Log        logger.Config    `mapstructure:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:     ServerConfig{Listen: ":8080", BasePath: "/api"},
		Store:      StoreConfig{DSN: "flotilla.db"},
		Deploy:     DeployConfig{BaseDir: "/opt/flotilla"},
		Reconciler: ReconcilerConfig{Interval: 10 * time.Minute, Grace: 5 * time.Minute},
		Tasks:      TasksConfig{Workers: 8},
		Log:        logger.Config{Level: "info", Format: "text", Color: true},
	}
}

// Load reads a TOML config file and fills unset fields with defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "flotilla.db"
	}
	return cfg, nil
}
