package config

import "encoding/json"

// Config is the host configuration. YAML and JSON are both accepted; YAML is
// coerced to JSON before strict decoding.
type Config struct {
	// Contexts lists the execution contexts this host instantiates.
	// Empty means the full closed set: background, content, popup.
	Contexts []string `json:"contexts,omitempty"`

	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Modules is the context-permission table plus per-module settings
	// defaults. A module name absent from this map is permitted in all
	// contexts and starts with empty settings.
	Modules map[string]ModuleConfigRaw `json:"modules"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    FileLoggingConfig `json:"file"`
	Bus     BusLoggingConfig  `json:"bus"`
}

type FileLoggingConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// BusLoggingConfig mirrors warn+ log records onto the event bus.
type BusLoggingConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./modkit_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ModuleConfigRaw is one entry of the module table.
//
// Contexts restricts where the module may run; empty or omitted means all
// contexts. Settings seeds the module's settings cache (persisted values
// win on conflict).
type ModuleConfigRaw struct {
	Contexts []string        `json:"contexts,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}
