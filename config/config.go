package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorhill/cronexpr"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/web3tea/doc-sentinel/bus"
	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

type Config struct {
	AppName  string `json:"app_name" yaml:"app_name" toml:"app_name"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	Database    store.DatabaseConfig `json:"database" yaml:"database" toml:"database"`
	Schema      store.Schema         `json:"schema" yaml:"schema" toml:"schema"`
	Capturer    CapturerConfig       `json:"capturer" yaml:"capturer" toml:"capturer"`
	Processor   ProcessorConfig      `json:"processor" yaml:"processor" toml:"processor"`
	Collections []CollectionConfig   `json:"collections" yaml:"collections" toml:"collections"`
	Bus         BusConfig            `json:"bus" yaml:"bus" toml:"bus"`
	Schedules   []ScheduleConfig     `json:"schedules" yaml:"schedules" toml:"schedules"`
}

// Duration reads "90s"/"10m" strings. JSON also accepts a number of
// milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	return d.UnmarshalText([]byte(s))
}

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type CapturerConfig struct {
	// Backend is "postgres" or "memory". The memory backend keeps documents
	// in process and is meant for local runs.
	Backend         string   `json:"backend" yaml:"backend" toml:"backend"`
	BatchSize       int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BackoffBase     Duration `json:"backoff_base" yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax      Duration `json:"backoff_max" yaml:"backoff_max" toml:"backoff_max"`
	LeaseTimeout    Duration `json:"lease_timeout" yaml:"lease_timeout" toml:"lease_timeout"`
	EventBufferSize int      `json:"event_buffer_size" yaml:"event_buffer_size" toml:"event_buffer_size"`
}

func (c CapturerConfig) Capturer() capturer.Config {
	return capturer.Config{
		BatchSize:       c.BatchSize,
		PollInterval:    c.PollInterval.Std(),
		MaxAttempts:     c.MaxAttempts,
		BackoffBase:     c.BackoffBase.Std(),
		BackoffMax:      c.BackoffMax.Std(),
		LeaseTimeout:    c.LeaseTimeout.Std(),
		EventBufferSize: c.EventBufferSize,
	}
}

type ProcessorConfig struct {
	Filter         FilterConfig      `json:"filter" yaml:"filter" toml:"filter"`
	Params         map[string]string `json:"params" yaml:"params" toml:"params"`
	Debug          bool              `json:"debug" yaml:"debug" toml:"debug"`
	MaxConcurrency int               `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`
}

type FilterConfig struct {
	Types        []string `json:"types" yaml:"types" toml:"types"`
	ExcludePaths []string `json:"exclude_paths" yaml:"exclude_paths" toml:"exclude_paths"`
}

// CollectionConfig binds a sink to the documents matching Pattern.
type CollectionConfig struct {
	Pattern      string   `json:"pattern" yaml:"pattern" toml:"pattern"`
	Sink         string   `json:"sink" yaml:"sink" toml:"sink"`
	OnCreate     bool     `json:"on_create" yaml:"on_create" toml:"on_create"`
	OnUpdate     bool     `json:"on_update" yaml:"on_update" toml:"on_update"`
	OnDelete     bool     `json:"on_delete" yaml:"on_delete" toml:"on_delete"`
	MaxRetries   *int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryTimeout Duration `json:"retry_timeout" yaml:"retry_timeout" toml:"retry_timeout"`
	MaskFields   []string `json:"mask_fields" yaml:"mask_fields" toml:"mask_fields"`
}

type BusConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr       string   `json:"addr" yaml:"addr" toml:"addr"`
	Password   string   `json:"password" yaml:"password" toml:"password"`
	DB         int      `json:"db" yaml:"db" toml:"db"`
	Stream     string   `json:"stream" yaml:"stream" toml:"stream"`
	Group      string   `json:"group" yaml:"group" toml:"group"`
	Consumer   string   `json:"consumer" yaml:"consumer" toml:"consumer"`
	Count      int64    `json:"count" yaml:"count" toml:"count"`
	Block      Duration `json:"block" yaml:"block" toml:"block"`
	ClaimIdle  Duration `json:"claim_idle" yaml:"claim_idle" toml:"claim_idle"`
	MaskFields []string `json:"mask_fields" yaml:"mask_fields" toml:"mask_fields"`
}

func (c BusConfig) Redis() bus.RedisConfig {
	return bus.RedisConfig{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		Stream:    c.Stream,
		Group:     c.Group,
		Consumer:  c.Consumer,
		Count:     c.Count,
		Block:     c.Block.Std(),
		ClaimIdle: c.ClaimIdle.Std(),
	}
}

const TaskPruneChanges = "prune-changes"

var knownTasks = []string{TaskPruneChanges}

type ScheduleConfig struct {
	Name     string   `json:"name" yaml:"name" toml:"name"`
	Cron     string   `json:"cron" yaml:"cron" toml:"cron"`
	TimeZone string   `json:"time_zone" yaml:"time_zone" toml:"time_zone"`
	Task     string   `json:"task" yaml:"task" toml:"task"`
	Timeout  Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	// Retain is how long prune-changes keeps settled outbox rows.
	Retain Duration `json:"retain" yaml:"retain" toml:"retain"`
}

var (
	knownSinks = []string{"console", "json", "debug"}
	knownKinds = []string{"create", "update", "delete"}
)

func DefaultConfig() Config {
	cc := capturer.DefaultConfig()
	return Config{
		AppName:  "doc-sentinel",
		LogLevel: "info",
		Database: store.DatabaseConfig{
			Hosts: []string{"127.0.0.1"},
			Port:  5433,
		},
		Schema: store.DefaultSchema(),
		Capturer: CapturerConfig{
			Backend:         BackendPostgres,
			BatchSize:       cc.BatchSize,
			PollInterval:    Duration(cc.PollInterval),
			MaxAttempts:     cc.MaxAttempts,
			BackoffBase:     Duration(cc.BackoffBase),
			BackoffMax:      Duration(cc.BackoffMax),
			LeaseTimeout:    Duration(cc.LeaseTimeout),
			EventBufferSize: cc.EventBufferSize,
		},
		Processor: ProcessorConfig{
			MaxConcurrency: 4,
		},
		Bus: BusConfig{
			Addr:      "127.0.0.1:6379",
			Stream:    "doc-sentinel",
			Group:     "doc-sentinel",
			Block:     Duration(2 * time.Second),
			ClaimIdle: Duration(bus.DefaultClaimIdle),
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Capturer.Backend {
	case BackendPostgres:
		if len(c.Database.Hosts) == 0 {
			errs = append(errs, errors.New("database.hosts: at least one host is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("capturer.backend: unknown backend %q", c.Capturer.Backend))
	}

	for _, k := range c.Processor.Filter.Types {
		if !lo.Contains(knownKinds, k) {
			errs = append(errs, fmt.Errorf("processor.filter.types: unknown kind %q", k))
		}
	}

	seen := map[string]bool{}
	for i, coll := range c.Collections {
		prefix := fmt.Sprintf("collections[%d]", i)
		if _, err := document.ParsePattern(coll.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s.pattern: %w", prefix, err))
		}
		if seen[coll.Pattern] {
			errs = append(errs, fmt.Errorf("%s.pattern: %q is configured twice", prefix, coll.Pattern))
		}
		seen[coll.Pattern] = true
		if coll.Sink != "" && !lo.Contains(knownSinks, coll.Sink) {
			errs = append(errs, fmt.Errorf("%s.sink: unknown sink %q", prefix, coll.Sink))
		}
		if !coll.OnCreate && !coll.OnUpdate && !coll.OnDelete {
			errs = append(errs, fmt.Errorf("%s: no handler enabled", prefix))
		}
		if coll.MaxRetries != nil && *coll.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries: must not be negative", prefix))
		}
	}

	if c.Bus.Enabled {
		if c.Bus.Addr == "" {
			errs = append(errs, errors.New("bus.addr: required when the bus is enabled"))
		}
		if c.Bus.Stream == "" {
			errs = append(errs, errors.New("bus.stream: required when the bus is enabled"))
		}
	}

	names := map[string]bool{}
	for i, sc := range c.Schedules {
		prefix := fmt.Sprintf("schedules[%d]", i)
		if sc.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", prefix))
		} else if names[sc.Name] {
			errs = append(errs, fmt.Errorf("%s.name: %q is configured twice", prefix, sc.Name))
		}
		names[sc.Name] = true
		if _, err := cronexpr.Parse(sc.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s.cron: %w", prefix, err))
		}
		if sc.TimeZone != "" {
			if _, err := time.LoadLocation(sc.TimeZone); err != nil {
				errs = append(errs, fmt.Errorf("%s.time_zone: %w", prefix, err))
			}
		}
		if !lo.Contains(knownTasks, sc.Task) {
			errs = append(errs, fmt.Errorf("%s.task: unknown task %q", prefix, sc.Task))
		}
		if sc.Task == TaskPruneChanges && c.Capturer.Backend != BackendPostgres {
			errs = append(errs, fmt.Errorf("%s.task: %s needs the postgres backend", prefix, TaskPruneChanges))
		}
	}

	return errors.Join(errs...)
}
