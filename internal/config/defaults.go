package config

// DefaultConfig returns the default configuration with built-in providers and agent roles.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			"investigator": {
				Provider:     "claude",
				SystemPrompt: "You investigate codebases and report relevant facts, risks and constraints.",
			},
			"planner": {
				Provider:     "claude",
				SystemPrompt: "You break goals into small dependent steps and define acceptance criteria.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"fixer": {
				Provider:     "claude",
				SystemPrompt: "You repair failing builds, tests and unmet acceptance criteria.",
			},
			"docs": {
				Provider:     "claude",
				SystemPrompt: "You write and update project documentation to match the code.",
			},
		},
		Engine: EngineConfig{
			Concurrency:            4,
			MaxIterations:          3,
			RequiredDocs:           []string{"README.md"},
			DocsGlobs:              []string{"*.md", "docs/**/*.md"},
			ApprovalTimeoutSeconds: 120,
			InterruptResumeDelayMs: 250,
		},
		Storage: StorageConfig{
			Path: "~/.foreman/foreman.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
