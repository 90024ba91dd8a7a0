package config

import "time"

// Config represents the complete studyplanner configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Backend BackendConfig `yaml:"backend"`
	Render  RenderConfig  `yaml:"render"`
	Audit   AuditConfig   `yaml:"audit"`
	Mock    MockConfig    `yaml:"mock"`
}

// ServiceConfig defines core client settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// LogFile receives logs while the chat TUI owns the terminal.
	LogFile string `yaml:"log_file"`
}

// BackendConfig defines the connection to the study-planner server.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	StreamTimeout  time.Duration `yaml:"stream_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
}

// RenderConfig defines display slot capacities.
type RenderConfig struct {
	ChatSlots      int `yaml:"chat_slots"`
	TaskSlots      int `yaml:"task_slots"`
	ViewportHeight int `yaml:"viewport_height"`
}

// AuditConfig defines the SQLite exchange log. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// MockConfig defines the development backend.
type MockConfig struct {
	Listen     string        `yaml:"listen"`
	Scenarios  string        `yaml:"scenarios"`
	TokenDelay time.Duration `yaml:"token_delay"`
}
