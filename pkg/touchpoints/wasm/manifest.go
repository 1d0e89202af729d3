package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest describes a WebAssembly module and the actions it implements.
//
//	name: archive-tools
//	version: 1.0.0
//	module: archive.wasm
//	checksum: 9f86d0...
//	actions: [unzip, untar]
//	memoryLimitPages: 256
//	timeout: 10s
type Manifest struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version" validate:"required"`

	// Module is the path of the .wasm file, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the hex sha256 of the module. Optional.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Actions are the action ids the module serves.
	Actions []string `yaml:"actions" validate:"required,min=1,dive,required"`

	// MemoryLimitPages caps linear memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memoryLimitPages,omitempty" validate:"omitempty,max=65536"`

	// Timeout bounds a single execute or undo call.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

var validate = validator.New()

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Actions))
	for _, a := range m.Actions {
		if seen[a] {
			return nil, fmt.Errorf("invalid manifest: action %q listed twice", a)
		}
		seen[a] = true
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ModulePath resolves Module against the manifest location.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Module) || m.Path == "" {
		return m.Module
	}
	return filepath.Join(filepath.Dir(m.Path), m.Module)
}

// VerifyChecksum checks module against the manifest checksum, if any.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}
