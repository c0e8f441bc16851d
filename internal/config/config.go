// Package config resolves agent configuration from defaults, an optional
// YAML file, and APM_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// Version is the agent version reported in app metadata (set at build time).
var Version = "dev"

// ErrInvalidConfiguration wraps every validation failure.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// metadataEventType is the ApplicationEvent type for app metadata.
const metadataEventType = "scout.metadata"

// Config holds the resolved agent configuration
type Config struct {
	// Collector process
	CoreAgentVersion    string        `yaml:"core_agent_version"`
	CoreAgentBinPath    string        `yaml:"core_agent_bin_path"`
	CoreAgentLaunch     bool          `yaml:"core_agent_launch"`
	CoreAgentLogLevel   string        `yaml:"core_agent_log_level"`
	CoreAgentLogFile    string        `yaml:"core_agent_log_file"`
	CoreAgentConfigFile string        `yaml:"core_agent_config_file"`
	SocketPath          string        `yaml:"socket_path"`
	StartupWait         time.Duration `yaml:"startup_wait"`

	// Application identity
	AppName    string `yaml:"name"`
	Key        string `yaml:"key"`
	APIVersion string `yaml:"api_version"`
	Monitor    bool   `yaml:"monitor"`

	// Connection handling
	SendTimeout   time.Duration `yaml:"send_timeout"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	PoolMin       int           `yaml:"pool_min"`
	PoolMax       int           `yaml:"pool_max"`

	// Tracing
	SlowRequestThreshold time.Duration `yaml:"slow_request_threshold"`
	StackFrameLimit      int           `yaml:"stack_frame_limit"`

	// Local tooling
	LogLevel    string `yaml:"log_level"`
	JournalPath string `yaml:"journal_path"`
	UIPort      int    `yaml:"ui_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CoreAgentVersion:     "1.4.0",
		CoreAgentLaunch:      true,
		CoreAgentLogLevel:    "info",
		SocketPath:           filepath.Join(os.TempDir(), "apm-core-agent.sock"),
		StartupWait:          2 * time.Second,
		APIVersion:           "1.0",
		Monitor:              true,
		SendTimeout:          5 * time.Second,
		SocketTimeout:        60 * time.Second,
		PoolMin:              0,
		PoolMax:              10,
		SlowRequestThreshold: 500 * time.Millisecond,
		StackFrameLimit:      50,
		LogLevel:             "info",
	}
}

// Load resolves configuration: defaults, then the YAML file at path (if
// path is non-empty), then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors Config with durations as millisecond integers, the
// way they are written in YAML files.
type fileConfig struct {
	CoreAgentVersion    *string `yaml:"core_agent_version"`
	CoreAgentBinPath    *string `yaml:"core_agent_bin_path"`
	CoreAgentLaunch     *bool   `yaml:"core_agent_launch"`
	CoreAgentLogLevel   *string `yaml:"core_agent_log_level"`
	CoreAgentLogFile    *string `yaml:"core_agent_log_file"`
	CoreAgentConfigFile *string `yaml:"core_agent_config_file"`
	SocketPath          *string `yaml:"socket_path"`
	StartupWaitMs       *int    `yaml:"startup_wait_ms"`

	AppName    *string `yaml:"name"`
	Key        *string `yaml:"key"`
	APIVersion *string `yaml:"api_version"`
	Monitor    *bool   `yaml:"monitor"`

	SendTimeoutMs   *int `yaml:"send_timeout_ms"`
	SocketTimeoutMs *int `yaml:"socket_timeout_ms"`
	PoolMin         *int `yaml:"pool_min"`
	PoolMax         *int `yaml:"pool_max"`

	SlowRequestThresholdMs *int `yaml:"slow_request_threshold_ms"`
	StackFrameLimit        *int `yaml:"stack_frame_limit"`

	LogLevel    *string `yaml:"log_level"`
	JournalPath *string `yaml:"journal_path"`
	UIPort      *int    `yaml:"ui_port"`
}

// LoadFile overlays values present in the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString(&c.CoreAgentVersion, file.CoreAgentVersion)
	setString(&c.CoreAgentBinPath, file.CoreAgentBinPath)
	setBool(&c.CoreAgentLaunch, file.CoreAgentLaunch)
	setString(&c.CoreAgentLogLevel, file.CoreAgentLogLevel)
	setString(&c.CoreAgentLogFile, file.CoreAgentLogFile)
	setString(&c.CoreAgentConfigFile, file.CoreAgentConfigFile)
	setString(&c.SocketPath, file.SocketPath)
	setMillis(&c.StartupWait, file.StartupWaitMs)
	setString(&c.AppName, file.AppName)
	setString(&c.Key, file.Key)
	setString(&c.APIVersion, file.APIVersion)
	setBool(&c.Monitor, file.Monitor)
	setMillis(&c.SendTimeout, file.SendTimeoutMs)
	setMillis(&c.SocketTimeout, file.SocketTimeoutMs)
	setInt(&c.PoolMin, file.PoolMin)
	setInt(&c.PoolMax, file.PoolMax)
	setMillis(&c.SlowRequestThreshold, file.SlowRequestThresholdMs)
	setInt(&c.StackFrameLimit, file.StackFrameLimit)
	setString(&c.LogLevel, file.LogLevel)
	setString(&c.JournalPath, file.JournalPath)
	setInt(&c.UIPort, file.UIPort)
	return nil
}

// LoadEnv overlays APM_* environment variables. Durations are read from
// *_MS variables as integer milliseconds.
func (c *Config) LoadEnv() error {
	var errs []error

	c.CoreAgentVersion = getEnv("APM_CORE_AGENT_VERSION", c.CoreAgentVersion)
	c.CoreAgentBinPath = getEnv("APM_CORE_AGENT_BIN_PATH", c.CoreAgentBinPath)
	c.CoreAgentLaunch = getEnvBool("APM_CORE_AGENT_LAUNCH", c.CoreAgentLaunch, &errs)
	c.CoreAgentLogLevel = getEnv("APM_CORE_AGENT_LOG_LEVEL", c.CoreAgentLogLevel)
	c.CoreAgentLogFile = getEnv("APM_CORE_AGENT_LOG_FILE", c.CoreAgentLogFile)
	c.CoreAgentConfigFile = getEnv("APM_CORE_AGENT_CONFIG_FILE", c.CoreAgentConfigFile)
	c.SocketPath = getEnv("APM_SOCKET_PATH", c.SocketPath)
	c.StartupWait = getEnvMillis("APM_STARTUP_WAIT_MS", c.StartupWait, &errs)

	c.AppName = getEnv("APM_NAME", c.AppName)
	c.Key = getEnv("APM_KEY", c.Key)
	c.APIVersion = getEnv("APM_API_VERSION", c.APIVersion)
	c.Monitor = getEnvBool("APM_MONITOR", c.Monitor, &errs)

	c.SendTimeout = getEnvMillis("APM_SEND_TIMEOUT_MS", c.SendTimeout, &errs)
	c.SocketTimeout = getEnvMillis("APM_SOCKET_TIMEOUT_MS", c.SocketTimeout, &errs)
	c.PoolMin = getEnvInt("APM_POOL_MIN", c.PoolMin, &errs)
	c.PoolMax = getEnvInt("APM_POOL_MAX", c.PoolMax, &errs)

	c.SlowRequestThreshold = getEnvMillis("APM_SLOW_REQUEST_THRESHOLD_MS", c.SlowRequestThreshold, &errs)
	c.StackFrameLimit = getEnvInt("APM_STACK_FRAME_LIMIT", c.StackFrameLimit, &errs)

	c.LogLevel = getEnv("APM_LOG_LEVEL", c.LogLevel)
	c.JournalPath = getEnv("APM_JOURNAL_PATH", c.JournalPath)
	c.UIPort = getEnvInt("APM_UI_PORT", c.UIPort, &errs)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	var problems []string

	if c.SocketPath == "" {
		problems = append(problems, "socket path is empty")
	}
	if c.PoolMax < 1 {
		problems = append(problems, fmt.Sprintf("pool_max must be at least 1, got %d", c.PoolMax))
	}
	if c.PoolMin < 0 || c.PoolMin > c.PoolMax {
		problems = append(problems, fmt.Sprintf("pool_min must be between 0 and pool_max, got %d", c.PoolMin))
	}
	if c.SendTimeout <= 0 {
		problems = append(problems, "send timeout must be positive")
	}
	if c.SocketTimeout < 0 {
		problems = append(problems, "socket timeout must not be negative")
	}
	if c.StartupWait <= 0 {
		problems = append(problems, "startup wait must be positive")
	}
	if c.StackFrameLimit < 0 {
		problems = append(problems, "stack frame limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Registration returns the Register handshake message for this app, or
// the zero Message when no app name is configured.
func (c *Config) Registration() protocol.Message {
	if c.AppName == "" {
		return protocol.Message{}
	}
	return protocol.NewRegister(c.AppName, c.Key, c.APIVersion)
}

// AppMetadata returns the app metadata event sent once per connection.
func (c *Config) AppMetadata() protocol.Message {
	hostname, _ := os.Hostname()
	root, _ := os.Getwd()

	return protocol.NewApplicationEvent(
		c.AppName,
		metadataEventType,
		map[string]any{
			"language":           "go",
			"language_version":   runtime.Version(),
			"server_time":        time.Now().UTC(),
			"framework":          "",
			"framework_version":  "",
			"environment":        "",
			"app_server":         "",
			"hostname":           hostname,
			"database_engine":    "",
			"database_adapter":   "",
			"application_name":   c.AppName,
			"libraries":          []string{},
			"paas":               "",
			"application_root":   root,
			"scm_subdirectory":   "",
			"git_sha":            "",
			"agent_version":      Version,
			"core_agent_version": c.CoreAgentVersion,
		},
		time.Now(),
	)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setMillis(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Millisecond
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return intVal
}

func getEnvBool(key string, defaultVal bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return boolVal
}

func getEnvMillis(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
