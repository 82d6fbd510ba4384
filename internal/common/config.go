package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// MinPollInterval is the floor applied to agent.poll_interval
const MinPollInterval = time.Minute

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	Agent       AgentConfig       `toml:"agent"`
	Queue       QueueConfig       `toml:"queue"`
	Browser     BrowserConfig     `toml:"browser"`
	Automation  AutomationConfig  `toml:"automation"`
	Credentials CredentialsConfig `toml:"credentials"`
}

type ServerConfig struct {
	Port           int    `toml:"port"`
	Host           string `toml:"host"`
	StatusThrottle string `toml:"status_throttle"` // Minimum gap between status pushes on /ws, empty disables
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// AgentConfig controls the polling agent itself
type AgentConfig struct {
	Enabled      bool   `toml:"enabled"`       // Initial enabled state when no persisted status exists
	PollInterval string `toml:"poll_interval"` // e.g. "1m", floored at MinPollInterval
	AgentID      string `toml:"agent_id"`      // Lease owner id sent on claim; generated when empty
}

// QueueConfig describes the remote work-queue API
type QueueConfig struct {
	BaseURL        string `toml:"base_url"`
	APIToken       string `toml:"api_token"`
	RateLimit      string `toml:"rate_limit"`      // Minimum gap between requests, e.g. "200ms"
	RequestTimeout string `toml:"request_timeout"` // Per request HTTP timeout
}

// BrowserConfig configures the chromedp page driver
type BrowserConfig struct {
	Headless    bool           `toml:"headless"`
	NoSandbox   bool           `toml:"no_sandbox"`
	UserAgent   string         `toml:"user_agent"`
	ExecPath    string         `toml:"exec_path"`    // Optional chrome binary
	DownloadDir string         `toml:"download_dir"` // Scratch directory for source files and downloads
	Selectors   SelectorConfig `toml:"selectors"`
}

// SelectorConfig holds the CSS selectors used to recognise and drive the host pages
type SelectorConfig struct {
	LoginForm          string `toml:"login_form"`
	UsernameInput      string `toml:"username_input"`
	PasswordInput      string `toml:"password_input"`
	LoginSubmit        string `toml:"login_submit"`
	LaunchButton       string `toml:"launch_button"`
	FolderListing      string `toml:"folder_listing"`
	FolderLink         string `toml:"folder_link"`
	UploadModal        string `toml:"upload_modal"`
	UploadOpen         string `toml:"upload_open"`
	FileInput          string `toml:"file_input"`
	TitleInput         string `toml:"title_input"`
	UploadSubmit       string `toml:"upload_submit"`
	ResultRow          string `toml:"result_row"`
	ReportViewer       string `toml:"report_viewer"`
	ViewerOpen         string `toml:"viewer_open"`
	SimilarityDownload string `toml:"similarity_download"`
	AIDownload         string `toml:"ai_download"`
}

// AutomationConfig holds the per-phase deadlines and retry bounds
type AutomationConfig struct {
	DownloadTimeout        string `toml:"download_timeout"`
	AuthTimeout            string `toml:"auth_timeout"`
	NavigationStepTimeout  string `toml:"navigation_step_timeout"`
	NavigationTimeout      string `toml:"navigation_timeout"`
	NavigationPollInterval string `toml:"navigation_poll_interval"`
	UploadTimeout          string `toml:"upload_timeout"`
	ResultTimeout          string `toml:"result_timeout"`
	ResultPollInterval     string `toml:"result_poll_interval"`
	RefreshEveryPolls      int    `toml:"refresh_every_polls"`
	ArtifactTimeout        string `toml:"artifact_timeout"`
	ReportMaxAttempts      int    `toml:"report_max_attempts"`
	ReportInitialBackoff   string `toml:"report_initial_backoff"`
	ReportMaxBackoff       string `toml:"report_max_backoff"`
	ErrorMessageLimit      int    `toml:"error_message_limit"`
}

// CredentialsConfig points at an optional settings file imported on first start
type CredentialsConfig struct {
	SettingsFile string `toml:"settings_file"` // .toml, .yaml or .json
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8086,
			Host:           "localhost",
			StatusThrottle: "250ms",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Agent: AgentConfig{
			Enabled:      false, // Operator opts in via API or config
			PollInterval: "1m",
		},
		Queue: QueueConfig{
			RateLimit:      "200ms",
			RequestTimeout: "30s",
		},
		Browser: BrowserConfig{
			Headless:    true,
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			DownloadDir: "./data/downloads",
			Selectors: SelectorConfig{
				LoginForm:          "form#login, form[action*='login']",
				UsernameInput:      "input[name='email'], input[name='username'], input[type='email']",
				PasswordInput:      "input[type='password']",
				LoginSubmit:        "button[type='submit'], input[type='submit']",
				LaunchButton:       "a.launch, button.launch, [data-action='launch']",
				FolderListing:      "table.folders, .folder-list",
				FolderLink:         "table.folders a, .folder-list a",
				UploadModal:        ".modal.upload, #upload-modal",
				UploadOpen:         "button.upload, [data-action='upload']",
				FileInput:          "input[type='file']",
				TitleInput:         "input[name='title']",
				UploadSubmit:       ".modal.upload button[type='submit'], #upload-modal button[type='submit']",
				ResultRow:          "table.submissions tbody tr, .submission-row",
				ReportViewer:       ".report-viewer, #report-viewer",
				ViewerOpen:         "a.report-link, .similarity-score a",
				SimilarityDownload: "[data-download='similarity'], a.download-similarity",
				AIDownload:         "[data-download='ai'], a.download-ai",
			},
		},
		Automation: AutomationConfig{
			DownloadTimeout:        "2m",
			AuthTimeout:            "15s",
			NavigationStepTimeout:  "2m",
			NavigationTimeout:      "10m",
			NavigationPollInterval: "2s",
			UploadTimeout:          "1m",
			ResultTimeout:          "30m",
			ResultPollInterval:     "5s",
			RefreshEveryPolls:      6,
			ArtifactTimeout:        "1m",
			ReportMaxAttempts:      5,
			ReportInitialBackoff:   "2s",
			ReportMaxBackoff:       "30s",
			ErrorMessageLimit:      500,
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies SCANAGENT_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("SCANAGENT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SCANAGENT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("SCANAGENT_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("SCANAGENT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SCANAGENT_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if enabled := os.Getenv("SCANAGENT_AGENT_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Agent.Enabled = e
		}
	}
	if interval := os.Getenv("SCANAGENT_AGENT_POLL_INTERVAL"); interval != "" {
		config.Agent.PollInterval = interval
	}
	if agentID := os.Getenv("SCANAGENT_AGENT_ID"); agentID != "" {
		config.Agent.AgentID = agentID
	}

	if baseURL := os.Getenv("SCANAGENT_QUEUE_BASE_URL"); baseURL != "" {
		config.Queue.BaseURL = baseURL
	}
	// Token is usually supplied via the environment rather than committed config
	if token := os.Getenv("SCANAGENT_QUEUE_API_TOKEN"); token != "" {
		config.Queue.APIToken = token
	}

	if headless := os.Getenv("SCANAGENT_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if execPath := os.Getenv("SCANAGENT_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}

	if settingsFile := os.Getenv("SCANAGENT_CREDENTIALS_FILE"); settingsFile != "" {
		config.Credentials.SettingsFile = settingsFile
	}
}

// ApplyFlagOverrides applies command line flags, which have highest priority
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// PollEvery returns the parsed poll interval and whether the floor was applied
func (a AgentConfig) PollEvery() (time.Duration, bool) {
	d := ParseDurationOr(a.PollInterval, MinPollInterval)
	if d < MinPollInterval {
		return MinPollInterval, true
	}
	return d, false
}

// ParseDurationOr parses a duration string, returning fallback when empty, invalid or non-positive
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
