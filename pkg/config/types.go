package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Config is the director configuration.
type Config struct {
	// DataDir holds the profile database and per-profile repository lists.
	DataDir string `json:"dataDir" validate:"required"`

	// InstallDir is the root the native touchpoint installs into.
	InstallDir string `json:"installDir" validate:"required"`

	// Database is the SQLite path. ":memory:" keeps profiles in memory.
	Database string `json:"database"`

	// Profile is the default profile id.
	Profile string `json:"profile" validate:"required"`

	// Environment is used to evaluate filters.
	Environment map[string]string `json:"environment"`

	// Repositories are the repository documents making up the candidate pool.
	Repositories []RepositoryConfig `json:"repositories" validate:"dive"`

	// Dropins is a directory watched for repository documents.
	Dropins string `json:"dropins"`

	// Policies are .rego files or directories loaded into the policy gate.
	Policies []string `json:"policies" validate:"dive,required"`

	Planner     PlannerConfig     `json:"planner"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	Tracing     TracingConfig     `json:"tracing"`
	Touchpoints TouchpointsConfig `json:"touchpoints"`
}

// RepositoryConfig is one configured repository.
type RepositoryConfig struct {
	Location string `json:"location" validate:"required"`
	Nickname string `json:"nickname"`
	Enabled  bool   `json:"enabled"`
}

// PlannerConfig tunes resolution.
type PlannerConfig struct {
	KeepOptional bool `json:"keepOptional"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" validate:"oneof=console json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen" validate:"omitempty,hostname_port"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint string `json:"endpoint" validate:"required_if=Enabled true Exporter otlp"`
}

// TouchpointsConfig configures the pluggable touchpoints.
type TouchpointsConfig struct {
	// Scripts is a directory of Starlark actions.
	Scripts string `json:"scripts"`

	Wasm WasmConfig `json:"wasm"`

	// Remote enables the remote touchpoint against one host.
	Remote *RemoteConfig `json:"remote,omitempty"`
}

// WasmConfig lists wasm touchpoint module manifests.
type WasmConfig struct {
	Manifests []string `json:"manifests" validate:"dive,required"`
}

// RemoteConfig describes the host the remote touchpoint acts on.
type RemoteConfig struct {
	Host                  string `json:"host" validate:"required"`
	Port                  int    `json:"port" validate:"min=1,max=65535"`
	User                  string `json:"user" validate:"required"`
	KeyFile               string `json:"keyFile"`
	KnownHosts            string `json:"knownHosts"`
	StrictHostKeyChecking bool   `json:"strictHostKeyChecking"`
	BackupDir             string `json:"backupDir" validate:"required,startswith=/"`
}

// DatabasePath returns the SQLite path, defaulting to a file in DataDir.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "director.db")
}

// ProfilesDir holds one directory per profile with its repository list.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

// EnabledRepositories returns the locations of the enabled repositories.
func (c *Config) EnabledRepositories() []string {
	var out []string
	for _, r := range c.Repositories {
		if r.Enabled {
			out = append(out, r.Location)
		}
	}
	return out
}

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "touchpoints.remote.port".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ParseError reports every problem found in a configuration file.
type ParseError struct {
	Errors []ValidationError
}

func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
