package evalserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Auth       AuthConfig          `json:"auth" yaml:"auth"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
	Target     TargetConfig        `json:"target" yaml:"target"`
	Runs       RunLimitConfig      `json:"runs" yaml:"runs"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// TargetConfig describes the guarded chat system evaluations run against.
type TargetConfig struct {
	BaseURL     string            `json:"base_url" yaml:"base_url"`
	CatalogPath string            `json:"catalog_path" yaml:"catalog_path"`
	Keys        []TargetKeyConfig `json:"key_pool" yaml:"key_pool"`
}

type TargetKeyConfig struct {
	Label             string `json:"label" yaml:"label"`
	APIKey            string `json:"api_key" yaml:"api_key"`
	RPM               int    `json:"rpm" yaml:"rpm"`
	DailyRequestLimit int    `json:"daily_request_limit" yaml:"daily_request_limit"`
}

type RunLimitConfig struct {
	MaxParallelRuns    int `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	DefaultTimeoutSec  int `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	DefaultConcurrency int `json:"default_concurrency" yaml:"default_concurrency"`
	QuickEvalRPM       int `json:"quick_eval_rpm" yaml:"quick_eval_rpm"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "guardrail_session",
		},
		Target: TargetConfig{
			BaseURL: "http://localhost:8000",
		},
		Runs: RunLimitConfig{
			MaxParallelRuns:    2,
			DefaultTimeoutSec:  30,
			DefaultConcurrency: 1,
			QuickEvalRPM:       6,
		},
		Observer: ObservabilityConfig{
			ServiceName: "guardrail-api",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "guardrail_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if strings.TrimSpace(cfg.Target.BaseURL) == "" {
		cfg.Target.BaseURL = "http://localhost:8000"
	}
	if cfg.Runs.MaxParallelRuns <= 0 {
		cfg.Runs.MaxParallelRuns = 2
	}
	if cfg.Runs.DefaultTimeoutSec <= 0 {
		cfg.Runs.DefaultTimeoutSec = 30
	}
	if cfg.Runs.DefaultConcurrency <= 0 {
		cfg.Runs.DefaultConcurrency = 1
	}
	if cfg.Runs.QuickEvalRPM <= 0 {
		cfg.Runs.QuickEvalRPM = 6
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "guardrail-api"
	}
}
