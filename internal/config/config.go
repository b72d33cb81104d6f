package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel       = LogLevelInfo
	DefaultBaseURL        = "http://127.0.0.1:5001"
	DefaultReconnectDelay = 2 * time.Second
	DefaultConnectDelay   = 100 * time.Millisecond
	DefaultPollInterval   = time.Second
	DefaultWindowSize     = 60
	DefaultNumSamples     = 10
	DefaultBatchSize      = 1
	DefaultStatusInterval = 5 * time.Second
	DefaultJournalDB      = "/var/lib/energentctl/journal.db"

	defaultEnvPrefix  = "ENERGENTCTL"
	defaultConfigFile = "/etc/energentctl/energentctl.toml"
	defaultDotEnvPath = ".env"
)

type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	ConnectDelay   time.Duration `mapstructure:"connect_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WindowSize     int           `mapstructure:"window_size"`
	NumSamples     int           `mapstructure:"num_samples"`
	BatchSize      int           `mapstructure:"batch_size"`
	Task           string        `mapstructure:"task"`
	Model          string        `mapstructure:"model"`
	ComputeTarget  string        `mapstructure:"compute_target"`
	Precision      string        `mapstructure:"precision"`
	LogLevel       LogLevel      `mapstructure:"log_level"`
	Journal        bool          `mapstructure:"journal"`
	JournalDB      string        `mapstructure:"journal_db"`
	Run            bool          `mapstructure:"run"`
	ApplyBest      bool          `mapstructure:"apply_best"`
	Export         string        `mapstructure:"export"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// flagNames maps config keys to command line flags
var flagNames = map[string]string{
	"base_url":        "base-url",
	"stream_url":      "stream-url",
	"reconnect_delay": "reconnect-delay",
	"connect_delay":   "connect-delay",
	"poll_interval":   "poll-interval",
	"request_timeout": "request-timeout",
	"window_size":     "window-size",
	"num_samples":     "num-samples",
	"batch_size":      "batch-size",
	"task":            "task",
	"model":           "model",
	"compute_target":  "compute-target",
	"precision":       "precision",
	"log_level":       "log-level",
	"journal":         "journal",
	"journal_db":      "journal-db",
	"run":             "run",
	"apply_best":      "apply-best",
	"export":          "export",
	"status_interval": "status-interval",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("stream_url", "")
	v.SetDefault("reconnect_delay", DefaultReconnectDelay)
	v.SetDefault("connect_delay", DefaultConnectDelay)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("request_timeout", time.Duration(0))
	v.SetDefault("window_size", DefaultWindowSize)
	v.SetDefault("num_samples", DefaultNumSamples)
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("task", api.TaskNLP)
	v.SetDefault("model", "")
	v.SetDefault("compute_target", api.DefaultComputeTarget)
	v.SetDefault("precision", api.DefaultPrecision)
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("journal", false)
	v.SetDefault("journal_db", DefaultJournalDB)
	v.SetDefault("run", false)
	v.SetDefault("apply_best", false)
	v.SetDefault("export", "")
	v.SetDefault("status_interval", DefaultStatusInterval)
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("energentctl", pflag.ContinueOnError)

	flags.String("config", "", "Path to the configuration file")
	flags.String("base-url", DefaultBaseURL, "Backend base URL")
	flags.String("stream-url", "", "Telemetry WebSocket URL (derived from base URL when empty)")
	flags.Duration("reconnect-delay", DefaultReconnectDelay, "Delay before reconnecting a closed telemetry socket")
	flags.Duration("connect-delay", DefaultConnectDelay, "Delay before the first telemetry connection")
	flags.Duration("poll-interval", DefaultPollInterval, "Run status polling interval")
	flags.Duration("request-timeout", 0, "HTTP request timeout (0 disables)")
	flags.Int("window-size", DefaultWindowSize, "Number of telemetry samples kept for charting")
	flags.Int("num-samples", DefaultNumSamples, "Inference samples per run")
	flags.Int("batch-size", DefaultBatchSize, "Batch size per run")
	flags.String("task", api.TaskNLP, "Workload task (NLP, Vision, LLM)")
	flags.String("model", "", "Model ID (defaults to the first model of the task)")
	flags.String("compute-target", api.DefaultComputeTarget, "Compute target (gpu, cpu, npu)")
	flags.String("precision", api.DefaultPrecision, "Precision (FP32, FP16, INT8)")
	flags.String("log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)")
	flags.Bool("journal", false, "Record completed runs in the local journal")
	flags.String("journal-db", DefaultJournalDB, "Path to the journal database")
	flags.Bool("run", false, "Submit a run after mounting")
	flags.Bool("apply-best", false, "Apply the best suggestion once the run completes")
	flags.String("export", "", "Export the finished run (json or csv)")
	flags.Duration("status-interval", DefaultStatusInterval, "Interval between status log lines")

	return flags
}

// Load reads configuration from defaults, the config file, the environment
// (including a .env file) and command line flags, in increasing priority.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix:  defaultEnvPrefix,
		dotEnvPath: defaultDotEnvPath,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	if o.dotEnvPath != "" {
		if err := godotenv.Load(o.dotEnvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.WithData(errors.ErrReadConfig, fmt.Sprintf("%s: %v", o.dotEnvPath, err))
		}
	}

	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	for key, name := range flagNames {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configPath, explicit := resolveConfigPath(o, flags)
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			_, statErr := os.Stat(configPath)
			if explicit || !errors.Is(statErr, fs.ErrNotExist) {
				return nil, errFactory.WithData(errors.ErrReadConfig, fmt.Sprintf("%s: %v", configPath, err))
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveConfigPath picks the config file: --config, then WithConfigFile,
// then <PREFIX>_CONFIG, then the first existing default location.
func resolveConfigPath(o *options, flags *pflag.FlagSet) (string, bool) {
	if path, _ := flags.GetString("config"); path != "" {
		return path, true
	}
	if o.configPath != "" {
		return o.configPath, true
	}
	if path := os.Getenv(o.envPrefix + "_CONFIG"); path != "" {
		return path, true
	}

	candidates := []string{defaultConfigFile}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "energentctl", "energentctl.toml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, false
		}
	}
	return "", false
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.BaseURL == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "base_url")
	}

	if c.ReconnectDelay <= 0 || c.PollInterval <= 0 || c.StatusInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "reconnect_delay, poll_interval and status_interval must be positive")
	}
	if c.ConnectDelay < 0 || c.RequestTimeout < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "connect_delay and request_timeout must not be negative")
	}

	if c.WindowSize <= 0 || c.NumSamples <= 0 || c.BatchSize <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "window_size, num_samples and batch_size must be positive")
	}

	switch c.Task {
	case api.TaskNLP, api.TaskVision, api.TaskLLM:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "task: "+c.Task)
	}
	switch c.ComputeTarget {
	case api.ComputeGPU, api.ComputeCPU, api.ComputeNPU:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "compute_target: "+c.ComputeTarget)
	}
	switch c.Precision {
	case api.PrecisionFP32, api.PrecisionFP16, api.PrecisionINT8:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "precision: "+c.Precision)
	}

	switch c.Export {
	case "", "json", "csv":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "export: "+c.Export)
	}
	if (c.ApplyBest || c.Export != "") && !c.Run {
		return errFactory.WithData(errors.ErrInvalidConfig, "apply_best and export require run")
	}

	if c.Journal && c.JournalDB == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "journal_db")
	}

	return nil
}

// Selection returns the configured model, compute target and precision.
func (c *Config) Selection() api.Selection {
	return api.Selection{
		ModelID:       c.Model,
		ComputeTarget: c.ComputeTarget,
		Precision:     c.Precision,
	}
}
