// Package config loads the state backend configuration block: which
// Backend implementation to run, where it keeps its files, and the
// cadences (heartbeat, checkpoint, cleanup) the state manager drives.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/oxisflow/pipeline-core/internal/errs"
	"gopkg.in/yaml.v3"
)

// Backend names a state.Backend implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

// Duration wraps time.Duration with a YAML unmarshaler that accepts
// every unit time.ParseDuration understands ("30s", "5m", "2h") plus a
// bare day suffix ("7d") that ParseDuration has no unit for.
type Duration time.Duration

// AsDuration returns d as a time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return &errs.BackendConfigError{Detail: "invalid duration " + strconv.Quote(s) + ": " + err.Error()}
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses a human-readable duration string. Everything
// time.ParseDuration accepts works unchanged; in addition, a string
// ending in "d" (and not "ms", which also ends in a non-"d" rune so this
// check never misfires) is read as a count of 24-hour days, since
// time.ParseDuration has no day unit.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(trimmed, "d"); ok {
		if n, err := strconv.ParseFloat(days, 64); err == nil {
			return time.Duration(n * 24 * float64(time.Hour)), nil
		}
	}
	return time.ParseDuration(trimmed)
}

// Config is the parsed backend configuration block:
//
//	backend: file | memory
//	state_dir: ./pipeline-state
//	lock_timeout: 30s
//	backup_enabled: true
//	backup_retention: 7d
//	cache_size: 100
//	atomic_writes: true
//	heartbeat_interval: 10s
//	checkpoint_interval: 30s
//	cleanup_interval: 1h
type Config struct {
	Backend            Backend  `yaml:"backend"`
	StateDir           string   `yaml:"state_dir,omitempty"`
	LockTimeout        Duration `yaml:"lock_timeout,omitempty"`
	BackupEnabled      bool     `yaml:"backup_enabled,omitempty"`
	BackupRetention    Duration `yaml:"backup_retention,omitempty"`
	CacheSize          int      `yaml:"cache_size,omitempty"`
	AtomicWrites       bool     `yaml:"atomic_writes,omitempty"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval,omitempty"`
	CheckpointInterval Duration `yaml:"checkpoint_interval,omitempty"`
	CleanupInterval    Duration `yaml:"cleanup_interval,omitempty"`
}

// defaultConfig mirrors state.NewFile's and state.ManagerOptions's own
// fallbacks so a document that declares only `backend:` still produces a
// usable setup.
func defaultConfig() Config {
	return Config{
		Backend:            BackendFile,
		StateDir:           "./pipeline-state",
		LockTimeout:        Duration(30 * time.Second),
		BackupEnabled:      true,
		BackupRetention:    Duration(7 * 24 * time.Hour),
		CacheSize:          100,
		AtomicWrites:       true,
		HeartbeatInterval:  Duration(10 * time.Second),
		CheckpointInterval: Duration(30 * time.Second),
		CleanupInterval:    Duration(time.Hour),
	}
}

// Load parses doc as a backend configuration block, filling any field
// the document omits with its default.
func Load(doc []byte) (Config, error) {
	cfg := defaultConfig()
	if len(strings.TrimSpace(string(doc))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return Config{}, &errs.BackendConfigError{Detail: err.Error()}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendFile, BackendMemory:
	default:
		return &errs.BackendConfigError{Detail: "unknown backend " + strconv.Quote(string(c.Backend))}
	}
	if c.Backend == BackendFile && !c.AtomicWrites {
		// The file backend's entire write path (internal/state/file.go's
		// atomicWrite) is temp-file-then-rename; there is no non-atomic
		// mode to fall back to.
		return &errs.BackendConfigError{Detail: "atomic_writes: false is not supported by the file backend"}
	}
	if c.CacheSize < 0 {
		return &errs.BackendConfigError{Detail: "cache_size must not be negative"}
	}
	return nil
}
