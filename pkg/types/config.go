package types

// Config is the loaded orchestrator configuration.
type Config struct {
	// DefaultMode names the mode used for new sessions. Required.
	DefaultMode string `json:"defaultMode"`

	// Modes maps mode id to its definition.
	Modes map[string]Mode `json:"modes"`

	// Permissions is the static rule set applied to every session.
	Permissions PermissionConfig `json:"permissions"`

	// DataDir overrides where threads and settings are persisted.
	DataDir string `json:"dataDir,omitempty"`

	// ResourceID scopes threads to a workspace. Derived from the working
	// directory when empty.
	ResourceID string `json:"resourceID,omitempty"`

	// LogLevel is the minimum log level (debug/info/warn/error).
	LogLevel string `json:"logLevel,omitempty"`
}

// Mode is one agent mode (e.g. "build", "plan").
type Mode struct {
	Name string `json:"name"`

	// Model is the mode's built-in default model.
	Model string `json:"model"`

	Prompt string `json:"prompt,omitempty"`

	// BypassApprovals short-circuits every permission check to allow.
	BypassApprovals bool `json:"bypassApprovals,omitempty"`

	// Tools restricts the tool roster offered to the execution service.
	// Empty means all tools.
	Tools []string `json:"tools,omitempty"`
}

// PermissionConfig is the on-disk shape of the permission rule set.
type PermissionConfig struct {
	// Tools maps a tool name to "allow" | "ask" | "deny".
	Tools map[string]string `json:"tools,omitempty"`

	// Categories maps a tool category to a policy.
	Categories map[string]string `json:"categories,omitempty"`

	// Shell maps command patterns ("git *", "rm *") to a policy for
	// shell-category tools.
	Shell map[string]string `json:"shell,omitempty"`

	// Edit maps path glob patterns to a policy for edit-category tools.
	Edit map[string]string `json:"edit,omitempty"`
}
