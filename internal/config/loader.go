package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// BackendURLEnv overrides the default backend address when the config file
// leaves backend.base_url empty.
const BackendURLEnv = "FASTAPI_SERVER_URL"

// DefaultBackendURL is used when neither the config nor the environment
// names a backend.
const DefaultBackendURL = "http://127.0.0.1:8000"

// Load reads and parses configuration from a YAML file. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		interpolated := interpolateEnv(string(data))

		if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "studyplanner"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Service.LogFile == "" {
		cfg.Service.LogFile = "./data/studyplanner.log"
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = os.Getenv(BackendURLEnv)
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBackendURL
	}
	if cfg.Backend.StreamTimeout == 0 {
		cfg.Backend.StreamTimeout = 20 * time.Minute
	}
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = 10 * time.Second
	}
	if cfg.Backend.UploadTimeout == 0 {
		cfg.Backend.UploadTimeout = 20 * time.Minute
	}
	if cfg.Render.ChatSlots == 0 {
		cfg.Render.ChatSlots = 100
	}
	if cfg.Render.TaskSlots == 0 {
		cfg.Render.TaskSlots = 20
	}
	if cfg.Render.ViewportHeight == 0 {
		cfg.Render.ViewportHeight = 800
	}
	if cfg.Mock.Listen == "" {
		cfg.Mock.Listen = "127.0.0.1:8000"
	}
	if cfg.Mock.TokenDelay == 0 {
		cfg.Mock.TokenDelay = 30 * time.Millisecond
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if envVarPattern.MatchString(cfg.Backend.BaseURL) {
		matches := envVarPattern.FindStringSubmatch(cfg.Backend.BaseURL)
		if len(matches) > 1 {
			return fmt.Errorf("backend.base_url: environment variable ${%s} is not set", matches[1])
		}
	}
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an http(s) URL (got %q)", cfg.Backend.BaseURL)
	}
	if cfg.Backend.StreamTimeout < 0 {
		return fmt.Errorf("backend.stream_timeout must not be negative")
	}
	if cfg.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}
	if cfg.Backend.UploadTimeout <= 0 {
		return fmt.Errorf("backend.upload_timeout must be positive")
	}
	if cfg.Render.ChatSlots <= 0 {
		return fmt.Errorf("render.chat_slots must be positive")
	}
	if cfg.Render.TaskSlots <= 0 {
		return fmt.Errorf("render.task_slots must be positive")
	}
	if cfg.Render.ViewportHeight <= 0 {
		return fmt.Errorf("render.viewport_height must be positive")
	}
	if cfg.Mock.TokenDelay < 0 {
		return fmt.Errorf("mock.token_delay must not be negative")
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
