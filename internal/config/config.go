package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/pairspace/internal/consts"
)

const appName = "pairspace"

// Identity is the locally bootstrapped participant. The token is whatever the
// persistence service issued; pairspace never verifies it.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Token string `json:"token,omitempty"`
}

// RunConfig controls the execution orchestrator.
type RunConfig struct {
	ManifestFile          string   `json:"manifest_file"`
	InstallCommand        string   `json:"install_command"`
	InstallArgs           []string `json:"install_args"`
	StartCommand          string   `json:"start_command"`
	StartArgs             []string `json:"start_args"`
	InstallTimeoutSeconds int      `json:"install_timeout_seconds"`
}

// InstallTimeout returns the configured install bound as a duration.
func (r RunConfig) InstallTimeout() time.Duration {
	if r.InstallTimeoutSeconds <= 0 {
		return consts.DefaultInstallTimeout
	}
	return time.Duration(r.InstallTimeoutSeconds) * time.Second
}

// SandboxConfig holds configuration for the local execution sandbox.
type SandboxConfig struct {
	// WorkspaceDir is where project files get mounted. Empty means a per-project temp dir.
	WorkspaceDir             string   `json:"workspace_dir,omitempty"`
	DisableLandlock          bool     `json:"disable_landlock,omitempty"`
	BestEffort               bool     `json:"best_effort"`
	AdditionalReadOnlyPaths  []string `json:"additional_read_only_paths,omitempty"`
	AdditionalReadWritePaths []string `json:"additional_read_write_paths,omitempty"`
}

// ServeConfig holds configuration for the relay + development backend.
type ServeConfig struct {
	Addr         string `json:"addr"`
	DatabasePath string `json:"database_path"`
	// AssistantProvider is gemini, anthropic or openai.
	AssistantProvider string `json:"assistant_provider"`
	// AssistantModel empty means the provider's default model.
	AssistantModel   string `json:"assistant_model,omitempty"`
	AssistantBaseURL string `json:"assistant_base_url,omitempty"`
	// AssistantAPIKey is taken from the provider's environment variable
	// (GEMINI_API_KEY, ANTHROPIC_API_KEY or OPENAI_API_KEY), never stored.
	AssistantAPIKey string  `json:"-"`
	MessagesPerSec  float64 `json:"messages_per_second"`
	MessageBurst    int     `json:"message_burst"`
	// Profiling mounts net/http/pprof under /debug/pprof/.
	Profiling bool `json:"profiling,omitempty"`
}

// AssistantKeyEnv names the environment variable holding the API key of the
// configured provider.
func (s ServeConfig) AssistantKeyEnv() string {
	switch strings.ToLower(strings.TrimSpace(s.AssistantProvider)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}

// Config represents application configuration
type Config struct {
	Identity   Identity      `json:"identity"`
	APIBaseURL string        `json:"api_base_url"`
	ChannelURL string        `json:"channel_url"`
	Run        RunConfig     `json:"run"`
	Sandbox    SandboxConfig `json:"sandbox"`
	Serve      ServeConfig   `json:"serve"`
	LogLevel   string        `json:"log_level"` // debug, info, warn, error, none
	LogPath    string        `json:"log_path,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL: "http://localhost:3000",
		ChannelURL: "ws://localhost:3000/ws",
		Run: RunConfig{
			ManifestFile:          consts.DefaultManifestFile,
			InstallCommand:        "npm",
			InstallArgs:           []string{"install"},
			StartCommand:          "npm",
			StartArgs:             []string{"start"},
			InstallTimeoutSeconds: int(consts.DefaultInstallTimeout / time.Second),
		},
		Sandbox: SandboxConfig{
			BestEffort: true,
		},
		Serve: ServeConfig{
			Addr:              "localhost:3000",
			DatabasePath:      filepath.Join(defaultStateDir(), "projects.db"),
			AssistantProvider: "gemini",
			MessagesPerSec:    20,
			MessageBurst:      40,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(defaultStateDir(), appName+".log"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if config.Run.ManifestFile == "" {
		config.Run.ManifestFile = defaults.Run.ManifestFile
	}
	if config.Run.InstallCommand == "" {
		config.Run.InstallCommand = defaults.Run.InstallCommand
		config.Run.InstallArgs = defaults.Run.InstallArgs
	}
	if config.Run.StartCommand == "" {
		config.Run.StartCommand = defaults.Run.StartCommand
		config.Run.StartArgs = defaults.Run.StartArgs
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}

	return config, nil
}

// ApplyEnv overrides fields from PAIRSPACE_* environment variables.
// getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set("PAIRSPACE_API_URL", &c.APIBaseURL)
	set("PAIRSPACE_CHANNEL_URL", &c.ChannelURL)
	set("PAIRSPACE_TOKEN", &c.Identity.Token)
	set("PAIRSPACE_USER_ID", &c.Identity.ID)
	set("PAIRSPACE_USER_EMAIL", &c.Identity.Email)
	set("PAIRSPACE_WORKSPACE_DIR", &c.Sandbox.WorkspaceDir)
	set("PAIRSPACE_LOG_LEVEL", &c.LogLevel)
	set("PAIRSPACE_LOG_PATH", &c.LogPath)
	set("PAIRSPACE_ADDR", &c.Serve.Addr)
	set("PAIRSPACE_DB", &c.Serve.DatabasePath)
	set("PAIRSPACE_ASSISTANT_PROVIDER", &c.Serve.AssistantProvider)
	set("PAIRSPACE_ASSISTANT_MODEL", &c.Serve.AssistantModel)
	set("PAIRSPACE_ASSISTANT_BASE_URL", &c.Serve.AssistantBaseURL)
	set(c.Serve.AssistantKeyEnv(), &c.Serve.AssistantAPIKey)

	if v := strings.TrimSpace(getenv("PAIRSPACE_INSTALL_TIMEOUT")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Run.InstallTimeoutSeconds = secs
		}
	}
}

// ValidateJoin reports what is missing before a session can be joined.
func (c *Config) ValidateJoin() error {
	var errs []error
	if c.Identity.ID == "" {
		errs = append(errs, errors.New("identity.id is required"))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	}
	if c.ChannelURL == "" {
		errs = append(errs, errors.New("channel_url is required"))
	}
	if c.Identity.ID == consts.AssistantID {
		errs = append(errs, fmt.Errorf("identity.id %q is reserved for the assistant", consts.AssistantID))
	}
	return errors.Join(errs...)
}

// Logout drops the stored credentials.
func (c *Config) Logout() {
	c.Identity = Identity{}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// identity carries a token
	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
