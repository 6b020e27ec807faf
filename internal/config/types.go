package config

import "time"

// ProviderConfig defines a transport layer (CLI command, args, dialect).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"` // Default args prepended to every invocation
	Type    string   `json:"type"`           // Output dialect: "claude", "codex", "goose"
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider     string   `json:"provider"`                // Key into Providers map
	Model        string   `json:"model,omitempty"`         // Model override
	SystemPrompt string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Tools        []string `json:"tools,omitempty"`         // Allowed tools for this role
}

// EngineConfig tunes the run orchestration engine.
type EngineConfig struct {
	Concurrency            int      `json:"concurrency,omitempty"`
	MaxIterations          int      `json:"max_iterations,omitempty"`
	VerifyCommands         []string `json:"verify_commands,omitempty"`
	RequiredDocs           []string `json:"required_docs,omitempty"`
	DocsGlobs              []string `json:"docs_globs,omitempty"`
	ApprovalTimeoutSeconds int      `json:"approval_timeout_seconds,omitempty"`
	InterruptResumeDelayMs int      `json:"interrupt_resume_delay_ms,omitempty"`
	DocsSync               *bool    `json:"docs_sync,omitempty"`
}

// ApprovalTimeout returns the approval timeout as a duration.
func (e EngineConfig) ApprovalTimeout() time.Duration {
	return time.Duration(e.ApprovalTimeoutSeconds) * time.Second
}

// InterruptResumeDelay returns the auto-resume delay after an interrupt.
func (e EngineConfig) InterruptResumeDelay() time.Duration {
	return time.Duration(e.InterruptResumeDelayMs) * time.Millisecond
}

// DocsSyncEnabled reports whether the DOCS_SYNC step runs an agent.
func (e EngineConfig) DocsSyncEnabled() bool {
	return e.DocsSync == nil || *e.DocsSync
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `json:"path,omitempty"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json or console
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Engine    EngineConfig              `json:"engine"`
	Storage   StorageConfig             `json:"storage"`
	Logging   LoggingConfig             `json:"logging"`
}
