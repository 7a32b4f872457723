// Package config loads orchestrator configuration from JSONC files and the
// environment.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/pkg/types"
)

// ErrNoDefaultMode is raised hard at setup when the config resolves no
// default mode.
var ErrNoDefaultMode = errors.New("no default mode configured")

// Load reads configuration for a working directory. Later sources override
// earlier ones: built-ins, global config (~/.tiller), XDG config, project
// config (<dir>/tiller.jsonc), then the TILLER_CONFIG file override. A
// .env file in the directory is loaded into the environment first.
func Load(directory string) (*types.Config, error) {
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	cfg := defaults()

	for _, path := range Paths(directory) {
		if err := loadFile(path, cfg); err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("config file skipped")
		}
	}

	if cfg.ResourceID == "" {
		cfg.ResourceID = HashResource(directory)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks setup-time invariants: the default mode must exist.
func Validate(cfg *types.Config) error {
	if cfg.DefaultMode == "" {
		return ErrNoDefaultMode
	}
	if _, ok := cfg.Modes[cfg.DefaultMode]; !ok {
		return fmt.Errorf("%w: mode %q is not defined", ErrNoDefaultMode, cfg.DefaultMode)
	}
	return nil
}

// Paths returns the candidate config file paths in load order.
func Paths(directory string) []string {
	var paths []string

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tiller", "tiller.jsonc"))
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "tiller", "tiller.jsonc"))
	}
	if directory != "" {
		paths = append(paths,
			filepath.Join(directory, "tiller.jsonc"),
			filepath.Join(directory, ".tiller", "tiller.jsonc"),
		)
	}
	if override := os.Getenv("TILLER_CONFIG"); override != "" {
		paths = append(paths, override)
	}
	return paths
}

func loadFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var overlay types.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	merge(cfg, &overlay)
	return nil
}

func merge(cfg, overlay *types.Config) {
	if overlay.DefaultMode != "" {
		cfg.DefaultMode = overlay.DefaultMode
	}
	for id, mode := range overlay.Modes {
		cfg.Modes[id] = mode
	}
	if overlay.DataDir != "" {
		cfg.DataDir = overlay.DataDir
	}
	if overlay.ResourceID != "" {
		cfg.ResourceID = overlay.ResourceID
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	mergeStringMap(&cfg.Permissions.Tools, overlay.Permissions.Tools)
	mergeStringMap(&cfg.Permissions.Categories, overlay.Permissions.Categories)
	mergeStringMap(&cfg.Permissions.Shell, overlay.Permissions.Shell)
	mergeStringMap(&cfg.Permissions.Edit, overlay.Permissions.Edit)
}

func mergeStringMap(dst *map[string]string, src map[string]string) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	for k, v := range src {
		(*dst)[k] = v
	}
}

func defaults() *types.Config {
	return &types.Config{
		DefaultMode: "build",
		Modes: map[string]types.Mode{
			"build": {
				Name:  "Build",
				Model: "claude-sonnet-4-20250514",
			},
			"plan": {
				Name:  "Plan",
				Model: "claude-sonnet-4-20250514",
				Tools: []string{"read_file", "list_files", "glob", "grep", "web_search"},
			},
		},
	}
}

// HashResource derives a stable resource id from a directory path.
func HashResource(directory string) string {
	h := sha256.Sum256([]byte(directory))
	return hex.EncodeToString(h[:])[:16]
}
