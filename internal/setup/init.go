// Package setup creates and locates the .zonekeeper/ state directory.
package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/zonekeeper/internal/model"
	atomicyaml "github.com/msageha/zonekeeper/internal/yaml"
)

// DirName is the state directory created inside a project.
const DirName = ".zonekeeper"

const configHeader = `zonekeeper configuration
Relative paths are resolved against this directory.`

// ErrNotInitialized is returned by FindBase when no state directory exists
// in the start directory or any of its parents.
var ErrNotInitialized = errors.New("no " + DirName + " directory found (run: zonekeeper setup)")

// Run initializes <projectDir>/.zonekeeper/ with a default config and the
// logs/ and locks/ directories. driver overrides the default store driver
// when not empty.
func Run(projectDir string, driver model.StoreDriver) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "locks"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := model.DefaultConfig()
	if driver != "" {
		cfg.Store.Driver = driver
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := atomicyaml.AtomicWriteWithHeader(ConfigPath(base), configHeader, cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return base, nil
}

func ConfigPath(base string) string {
	return filepath.Join(base, "config.yaml")
}

// FindBase walks up from start looking for the state directory.
func FindBase(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// LoadConfig reads base/config.yaml and resolves relative paths in it
// against base.
func LoadConfig(base string) (model.Config, error) {
	cfg, err := model.LoadConfig(ConfigPath(base))
	if err != nil {
		return model.Config{}, err
	}
	cfg.Store.SQLitePath = Resolve(base, cfg.Store.SQLitePath)
	cfg.Catalog.ExportFile = Resolve(base, cfg.Catalog.ExportFile)
	cfg.Events.AuditLog = Resolve(base, cfg.Events.AuditLog)
	return cfg, nil
}

// Resolve makes p absolute relative to base. Empty stays empty.
func Resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
