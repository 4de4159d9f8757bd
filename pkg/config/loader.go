package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Jwoo5/ai612-project2-2023/pkg/validator"
)

// ============================================================================
// Configuration Loader
// ============================================================================

// Loader manages configuration loading and reloading
type Loader struct {
	// Viper instance
	viper *viper.Viper

	// Current configuration
	config *Config
	mu     sync.RWMutex

	// Configuration file path
	configFile string

	// Watch for changes
	watchEnabled bool

	// Reload callbacks
	reloadCallbacks []ReloadCallback

	// Logger (optional, can be set after initialization)
	logger Logger
}

// ReloadCallback is called when configuration is reloaded
type ReloadCallback func(oldConfig, newConfig *Config) error

// Logger interface for configuration loader logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LoaderOptions defines options for configuration loader
type LoaderOptions struct {
	// Configuration file path
	ConfigFile string

	// Configuration file type (yaml, json, toml)
	ConfigType string

	// Enable watching for file changes
	EnableWatch bool

	// Environment variable prefix
	EnvPrefix string

	// Additional config paths to search
	ConfigPaths []string
}

// ============================================================================
// Loader Creation and Initialization
// ============================================================================

// NewLoader creates a new configuration loader
func NewLoader(opts LoaderOptions) (*Loader, error) {
	v := viper.New()

	// Set configuration file
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		// Set default configuration name and type
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// Add default config paths
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ai612")

		// Add additional config paths
		for _, path := range opts.ConfigPaths {
			v.AddConfigPath(path)
		}
	}

	// Configure environment variables
	envPrefix := opts.EnvPrefix
	if envPrefix == "" {
		envPrefix = "AI612"
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Defaults for fields whose zero value is a legal setting
	v.SetDefault("run.pin_memory", true)

	loader := &Loader{
		viper:        v,
		configFile:   opts.ConfigFile,
		watchEnabled: opts.EnableWatch,
	}

	return loader, nil
}

// Viper exposes the underlying viper instance for command line flag binding
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

// Load loads configuration from all sources
func (l *Loader) Load() (*Config, error) {
	// Read configuration file
	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			l.logWarn("Configuration file not found, using defaults", "error", err)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal configuration
	config := &Config{}
	if err := l.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	l.applyDefaults(config)

	// Validate configuration
	if err := validator.ValidateStruct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Store configuration
	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logInfo("Configuration loaded successfully", "file", l.viper.ConfigFileUsed())

	// Start watching if enabled
	if l.watchEnabled {
		l.startWatch()
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// ============================================================================
// Configuration Defaults
// ============================================================================

// applyDefaults applies default values to configuration
func (l *Loader) applyDefaults(config *Config) {
	// Run defaults
	if config.Run.Seed == 0 {
		config.Run.Seed = 42
	}
	if config.Run.MaxEpoch == 0 {
		config.Run.MaxEpoch = 50
	}
	if config.Run.BatchSize == 0 {
		config.Run.BatchSize = 64
	}
	if config.Run.NumWorkers == 0 {
		config.Run.NumWorkers = 6
	}

	// Optimization defaults
	if config.Optimization.LR == 0 {
		config.Optimization.LR = 0.005
	}
	if config.Optimization.AdamBetas == "" {
		config.Optimization.AdamBetas = "(0.9, 0.999)"
	}
	if config.Optimization.AdamEps == 0 {
		config.Optimization.AdamEps = 1e-8
	}
	if config.Optimization.LRShrink == 0 {
		config.Optimization.LRShrink = 0.1
	}

	// Distributed defaults
	if config.Distributed.WorldSize == 0 {
		config.Distributed.WorldSize = 1
	}
	if config.Distributed.Backend == "" {
		config.Distributed.Backend = "local"
	}
	if config.Distributed.Port == 0 {
		config.Distributed.Port = 12355
	}
	if config.Distributed.DDPCommHook == "" {
		config.Distributed.DDPCommHook = "none"
	}
	if config.Distributed.BucketCapMB == 0 {
		config.Distributed.BucketCapMB = 25
	}
	if config.Distributed.HeartbeatTimeout == 0 {
		config.Distributed.HeartbeatTimeout = -1
	}
	if config.Distributed.AllGatherListSize == 0 {
		config.Distributed.AllGatherListSize = 1048576
	}

	// Checkpoint defaults
	if config.Checkpoint.SaveDir == "" {
		config.Checkpoint.SaveDir = "checkpoints"
	}
	if config.Checkpoint.SaveInterval == 0 {
		config.Checkpoint.SaveInterval = 1
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = os.Getenv("LOGLEVEL")
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.LogFormat == "" {
		config.Logging.LogFormat = "tqdm"
	}
	if config.Logging.LogInterval == 0 {
		config.Logging.LogInterval = 50
	}

	// Observability defaults
	if config.Observability.Metrics.Addr == "" {
		config.Observability.Metrics.Addr = ":9090"
	}
	if config.Observability.Metrics.Path == "" {
		config.Observability.Metrics.Path = "/metrics"
	}
	if config.Observability.Metrics.Namespace == "" {
		config.Observability.Metrics.Namespace = "ai612"
	}
	if config.Observability.Tracing.Backend == "" {
		config.Observability.Tracing.Backend = "none"
	}
	if config.Observability.Tracing.ServiceName == "" {
		config.Observability.Tracing.ServiceName = "ai612-train"
	}
	if config.Observability.Tracing.SamplingRate == 0 {
		config.Observability.Tracing.SamplingRate = 1.0
	}
}

// ============================================================================
// Hot Reload Support
// ============================================================================

// startWatch starts watching the configuration file for changes
func (l *Loader) startWatch() {
	l.viper.WatchConfig()
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		l.logInfo("Configuration file changed, reloading", "file", e.Name)

		if err := l.reload(); err != nil {
			l.logError("Failed to reload configuration", "error", err)
		}
	})
}

// reload reloads the configuration
func (l *Loader) reload() error {
	// Load old config
	l.mu.RLock()
	oldConfig := l.config
	l.mu.RUnlock()

	// Unmarshal new configuration
	newConfig := &Config{}
	if err := l.viper.Unmarshal(newConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	l.applyDefaults(newConfig)

	// Validate new configuration
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("new configuration validation failed: %w", err)
	}

	// Execute reload callbacks
	for _, callback := range l.reloadCallbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	// Update configuration
	l.mu.Lock()
	l.config = newConfig
	l.mu.Unlock()

	l.logInfo("Configuration reloaded successfully")

	return nil
}

// OnReload registers a callback to be called when configuration is reloaded
func (l *Loader) OnReload(callback ReloadCallback) {
	l.reloadCallbacks = append(l.reloadCallbacks, callback)
}

// Watch starts watching the configuration file for changes after the fact.
// A no-op when watching was already enabled at construction.
func (l *Loader) Watch() {
	if l.watchEnabled {
		return
	}
	l.watchEnabled = true
	l.startWatch()
}

// ============================================================================
// Convenience Loading
// ============================================================================

// LoadFromFile loads configuration from an explicit file path
func LoadFromFile(file string) (*Config, error) {
	opts := LoaderOptions{
		ConfigFile:  file,
		ConfigType:  "yaml",
		EnableWatch: false,
		EnvPrefix:   "AI612",
	}

	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}

	return loader.Load()
}

// LoadWithDefaults loads configuration with default options
func LoadWithDefaults() (*Config, error) {
	opts := LoaderOptions{
		ConfigType:  "yaml",
		EnableWatch: false,
		EnvPrefix:   "AI612",
		ConfigPaths: []string{".", "./config", "/etc/ai612"},
	}

	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}

	return loader.Load()
}

// ============================================================================
// Configuration Export
// ============================================================================

// SaveToFile saves current configuration to file
func (l *Loader) SaveToFile(filepath string) error {
	return l.viper.WriteConfigAs(filepath)
}

// ExportToYAML exports the typed configuration to a YAML string
func (l *Loader) ExportToYAML() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	data, err := yaml.Marshal(l.config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// WriteSnapshot persists the effective configuration next to the run's
// checkpoints so a finished run records the exact settings that produced it
func WriteSnapshot(config *Config, dir string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644)
}

// ============================================================================
// Logger Methods
// ============================================================================

// SetLogger sets the logger for configuration loader
func (l *Loader) SetLogger(logger Logger) {
	l.logger = logger
}

func (l *Loader) logInfo(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Info(msg, fields...)
	}
}

func (l *Loader) logWarn(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Warn(msg, fields...)
	}
}

func (l *Loader) logError(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Error(msg, fields...)
	}
}

// ============================================================================
// Utility Functions
// ============================================================================

// GetConfigPath returns the path to configuration file
func GetConfigPath(filename string) (string, error) {
	// Check current directory
	if _, err := os.Stat(filename); err == nil {
		return filepath.Abs(filename)
	}

	// Check ./config directory
	configPath := filepath.Join("config", filename)
	if _, err := os.Stat(configPath); err == nil {
		return filepath.Abs(configPath)
	}

	// Check /etc/ai612 directory
	etcPath := filepath.Join("/etc/ai612", filename)
	if _, err := os.Stat(etcPath); err == nil {
		return etcPath, nil
	}

	return "", fmt.Errorf("configuration file not found: %s", filename)
}

// MustLoad loads configuration and panics on error
func MustLoad() *Config {
	config, err := LoadWithDefaults()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return config
}
