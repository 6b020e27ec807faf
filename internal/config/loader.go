package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// DefaultPaths returns the conventional global and project config paths.
// Global: ~/.foreman/config.json
// Project: .foreman/config.json (relative to cwd)
func DefaultPaths() (global string, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".foreman", "config.json"), filepath.Join(".foreman", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*OrchestratorConfig, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// ExpandPath resolves a leading "~/" against the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}

	mergeEngine(&base.Engine, loaded.Engine)

	if loaded.Storage.Path != "" {
		base.Storage.Path = loaded.Storage.Path
	}
	if loaded.Logging.Level != "" {
		base.Logging.Level = loaded.Logging.Level
	}
	if loaded.Logging.Format != "" {
		base.Logging.Format = loaded.Logging.Format
	}

	return nil
}

// mergeEngine overlays every field the loaded file sets explicitly.
func mergeEngine(base *EngineConfig, loaded EngineConfig) {
	if loaded.Concurrency > 0 {
		base.Concurrency = loaded.Concurrency
	}
	if loaded.MaxIterations > 0 {
		base.MaxIterations = loaded.MaxIterations
	}
	if loaded.VerifyCommands != nil {
		base.VerifyCommands = loaded.VerifyCommands
	}
	if loaded.RequiredDocs != nil {
		base.RequiredDocs = loaded.RequiredDocs
	}
	if loaded.DocsGlobs != nil {
		base.DocsGlobs = loaded.DocsGlobs
	}
	if loaded.ApprovalTimeoutSeconds > 0 {
		base.ApprovalTimeoutSeconds = loaded.ApprovalTimeoutSeconds
	}
	if loaded.InterruptResumeDelayMs > 0 {
		base.InterruptResumeDelayMs = loaded.InterruptResumeDelayMs
	}
	if loaded.DocsSync != nil {
		v := *loaded.DocsSync
		base.DocsSync = &v
	}
}
