// Package config loads tasksync settings from defaults, an optional
// tasksync.yaml and TASKSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tasksync/tasksync/internal/cache"
	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/coordinator"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/optimistic"
	"github.com/tasksync/tasksync/internal/queue"
	"github.com/tasksync/tasksync/internal/realtime"
)

const (
	// EnvPrefix prefixes every environment override (TASKSYNC_DATA_DIR,
	// TASKSYNC_REMOTE_URL, TASKSYNC_QUEUE_MAX_RETRIES, ...).
	EnvPrefix = "TASKSYNC"

	// FileName is the config file looked up in the working and data
	// directories.
	FileName = "tasksync.yaml"
)

// Config is the full tasksync configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Scope limits realtime updates to one project ("" = all).
	Scope string `mapstructure:"scope" yaml:"scope"`

	Remote    RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	Server    ServerConfig   `mapstructure:"server" yaml:"server"`
	Log       LogConfig      `mapstructure:"log" yaml:"log"`
	Queue     QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Sync      SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Snapshots SnapshotConfig `mapstructure:"snapshots" yaml:"snapshots"`
	Realtime  RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
}

// RemoteConfig points the client at a central store.
type RemoteConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

// ServerConfig configures `tasksync serve`.
type ServerConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	PostgresDSN string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn,omitempty"`
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// LogConfig routes logs to a rotating file when File is set.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type QueueConfig struct {
	MaxRetries              int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseRetryDelay          time.Duration `mapstructure:"base_retry_delay" yaml:"base_retry_delay"`
	MaxRetryDelay           time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	MaxQueueSize            int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	MaxLowPriority          int           `mapstructure:"max_low_priority" yaml:"max_low_priority"`
	MaxDeadLetters          int           `mapstructure:"max_dead_letters" yaml:"max_dead_letters"`
	DeadLetterTTL           time.Duration `mapstructure:"dead_letter_ttl" yaml:"dead_letter_ttl"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MissingProcessorTimeout time.Duration `mapstructure:"missing_processor_timeout" yaml:"missing_processor_timeout"`
	CriticalAlertThreshold  int           `mapstructure:"critical_alert_threshold" yaml:"critical_alert_threshold"`
}

// SyncConfig covers the coordinator, the cache write debounce and the
// conflict clock skew.
type SyncConfig struct {
	EditingIdle        time.Duration `mapstructure:"editing_idle" yaml:"editing_idle"`
	QuietPeriod        time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
	PersistDebounce    time.Duration `mapstructure:"persist_debounce" yaml:"persist_debounce"`
	PersistBaseDelay   time.Duration `mapstructure:"persist_base_delay" yaml:"persist_base_delay"`
	PersistMaxDelay    time.Duration `mapstructure:"persist_max_delay" yaml:"persist_max_delay"`
	MaxPersistAttempts int           `mapstructure:"max_persist_attempts" yaml:"max_persist_attempts"`
	WriteDebounce      time.Duration `mapstructure:"write_debounce" yaml:"write_debounce"`
	ClockSkew          time.Duration `mapstructure:"clock_skew" yaml:"clock_skew"`
}

type SnapshotConfig struct {
	MaxAge             time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MaxCount           int           `mapstructure:"max_count" yaml:"max_count"`
	MappingGracePeriod time.Duration `mapstructure:"mapping_grace_period" yaml:"mapping_grace_period"`
	MaxMappingAge      time.Duration `mapstructure:"max_mapping_age" yaml:"max_mapping_age"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type RealtimeConfig struct {
	EventDebounce time.Duration `mapstructure:"event_debounce" yaml:"event_debounce"`
	GateRetry     time.Duration `mapstructure:"gate_retry" yaml:"gate_retry"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DefaultDataDir returns ~/.tasksync, or .tasksync when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasksync"
	}
	return filepath.Join(home, ".tasksync")
}

// SetDefaults registers every key with its default so environment
// overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	c := coordinator.DefaultConfig()
	o := optimistic.DefaultConfig()
	r := realtime.DefaultConfig()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("scope", "")

	v.SetDefault("remote.url", "http://127.0.0.1:7420")
	v.SetDefault("remote.token", "")

	v.SetDefault("server.addr", "127.0.0.1:7420")
	v.SetDefault("server.postgres_dsn", "")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.base_retry_delay", q.BaseRetryDelay)
	v.SetDefault("queue.max_retry_delay", q.MaxRetryDelay)
	v.SetDefault("queue.max_queue_size", q.MaxQueueSize)
	v.SetDefault("queue.max_low_priority", q.MaxLowPriority)
	v.SetDefault("queue.max_dead_letters", q.MaxDeadLetters)
	v.SetDefault("queue.dead_letter_ttl", q.DeadLetterTTL)
	v.SetDefault("queue.sweep_interval", q.SweepInterval)
	v.SetDefault("queue.missing_processor_timeout", q.MissingProcessorTimeout)
	v.SetDefault("queue.critical_alert_threshold", q.CriticalAlertThreshold)

	v.SetDefault("sync.editing_idle", c.EditingIdle)
	v.SetDefault("sync.quiet_period", c.QuietPeriod)
	v.SetDefault("sync.persist_debounce", c.PersistDebounce)
	v.SetDefault("sync.persist_base_delay", c.PersistBaseDelay)
	v.SetDefault("sync.persist_max_delay", c.PersistMaxDelay)
	v.SetDefault("sync.max_persist_attempts", c.MaxPersistAttempts)
	v.SetDefault("sync.write_debounce", cache.DefaultConfig().WriteDebounce)
	v.SetDefault("sync.clock_skew", conflict.DefaultConfig().ClockSkew)

	v.SetDefault("snapshots.max_age", o.MaxSnapshotAge)
	v.SetDefault("snapshots.max_count", o.MaxSnapshots)
	v.SetDefault("snapshots.mapping_grace_period", o.MappingGracePeriod)
	v.SetDefault("snapshots.max_mapping_age", o.MaxMappingAge)
	v.SetDefault("snapshots.sweep_interval", o.SweepInterval)

	v.SetDefault("realtime.event_debounce", r.EventDebounce)
	v.SetDefault("realtime.gate_retry", r.GateRetry)
	v.SetDefault("realtime.base_delay", r.BaseDelay)
	v.SetDefault("realtime.max_delay", r.MaxDelay)
	v.SetDefault("realtime.max_attempts", r.MaxAttempts)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or tasksync.yaml from the working or default data
// directory when file is empty) into v and decodes the result. A missing
// default file is not an error; a missing explicit file is.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Validate checks values that would make a component refuse to start.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config.data_dir is required")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("config.queue.max_retries must be positive (got %d)", c.Queue.MaxRetries)
	}
	if c.Sync.MaxPersistAttempts <= 0 {
		return fmt.Errorf("config.sync.max_persist_attempts must be positive (got %d)", c.Sync.MaxPersistAttempts)
	}
	if c.Sync.ClockSkew < 0 {
		return fmt.Errorf("config.sync.clock_skew must not be negative")
	}
	if c.Realtime.MaxAttempts <= 0 {
		return fmt.Errorf("config.realtime.max_attempts must be positive (got %d)", c.Realtime.MaxAttempts)
	}
	return nil
}

// CachePath is the SQLite file in the data directory.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// ProjectsDir is the project-file inbox watched by the daemon.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.DataDir, "projects")
}

// CacheConfig builds the cache settings.
func (c *Config) CacheConfig(logger *log.Logger) *cache.Config {
	return &cache.Config{WriteDebounce: c.Sync.WriteDebounce, Logger: logger}
}

// EngineConfig builds engine and component settings. Loggers are left
// nil when logger is nil so every component keeps its own prefix.
func (c *Config) EngineConfig(logger func(prefix string) *log.Logger) *engine.Config {
	if logger == nil {
		logger = func(string) *log.Logger { return nil }
	}
	ec := engine.DefaultConfig()
	ec.Scope = c.Scope
	if l := logger("[engine] "); l != nil {
		ec.Logger = l
	}

	ec.Queue = &queue.Config{
		MaxRetries:              c.Queue.MaxRetries,
		BaseRetryDelay:          c.Queue.BaseRetryDelay,
		MaxRetryDelay:           c.Queue.MaxRetryDelay,
		MaxQueueSize:            c.Queue.MaxQueueSize,
		MaxLowPriority:          c.Queue.MaxLowPriority,
		MaxDeadLetters:          c.Queue.MaxDeadLetters,
		DeadLetterTTL:           c.Queue.DeadLetterTTL,
		SweepInterval:           c.Queue.SweepInterval,
		MissingProcessorTimeout: c.Queue.MissingProcessorTimeout,
		CriticalAlertThreshold:  c.Queue.CriticalAlertThreshold,
		Logger:                  logger("[queue] "),
	}

	ec.Coordinator = coordinator.DefaultConfig()
	ec.Coordinator.EditingIdle = c.Sync.EditingIdle
	ec.Coordinator.QuietPeriod = c.Sync.QuietPeriod
	ec.Coordinator.PersistDebounce = c.Sync.PersistDebounce
	ec.Coordinator.PersistBaseDelay = c.Sync.PersistBaseDelay
	ec.Coordinator.PersistMaxDelay = c.Sync.PersistMaxDelay
	ec.Coordinator.MaxPersistAttempts = c.Sync.MaxPersistAttempts
	if l := logger("[coordinator] "); l != nil {
		ec.Coordinator.Logger = l
	}

	ec.Conflict = conflict.DefaultConfig()
	ec.Conflict.ClockSkew = c.Sync.ClockSkew
	if l := logger("[conflict] "); l != nil {
		ec.Conflict.Logger = l
	}

	ec.Optimistic = optimistic.DefaultConfig()
	ec.Optimistic.MaxSnapshotAge = c.Snapshots.MaxAge
	ec.Optimistic.MaxSnapshots = c.Snapshots.MaxCount
	ec.Optimistic.MappingGracePeriod = c.Snapshots.MappingGracePeriod
	ec.Optimistic.MaxMappingAge = c.Snapshots.MaxMappingAge
	ec.Optimistic.SweepInterval = c.Snapshots.SweepInterval
	if l := logger("[optimistic] "); l != nil {
		ec.Optimistic.Logger = l
	}

	ec.Realtime = realtime.DefaultConfig()
	ec.Realtime.EventDebounce = c.Realtime.EventDebounce
	ec.Realtime.GateRetry = c.Realtime.GateRetry
	ec.Realtime.BaseDelay = c.Realtime.BaseDelay
	ec.Realtime.MaxDelay = c.Realtime.MaxDelay
	ec.Realtime.MaxAttempts = c.Realtime.MaxAttempts
	if l := logger("[realtime] "); l != nil {
		ec.Realtime.Logger = l
	}
	return ec
}

// Marshal renders the configuration as YAML. Durations are written in
// time.Duration notation ("1m30s") so the file stays readable.
func (c *Config) Marshal() ([]byte, error) {
	node, err := toNode(reflect.ValueOf(*c))
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// toNode builds a mapping node in field order, honoring yaml tags.
func toNode(v reflect.Value) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, opts, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		fv := v.Field(i)
		if opts == "omitempty" && fv.IsZero() {
			continue
		}

		var value *yaml.Node
		switch {
		case field.Type == durationType:
			value = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(fv.Int()).String()}
		case fv.Kind() == reflect.Struct:
			child, err := toNode(fv)
			if err != nil {
				return nil, err
			}
			value = child
		default:
			value = &yaml.Node{}
			if err := value.Encode(fv.Interface()); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, value)
	}
	return node, nil
}

// Write stores the configuration at path, creating parent directories.
func Write(path string, c *Config) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
