package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	SchedulerLocal = "local"
	SchedulerRedis = "redis"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int         `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service     `json:"service" yaml:"service"`
	Store     Store       `json:"store" yaml:"store"`
	Scheduler Scheduler   `json:"scheduler" yaml:"scheduler"`
	Steps     StepsConfig `json:"steps" yaml:"steps"`
	Dispatch  *Dispatch   `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"`                           // "stderr"|"stdout"|"discard"
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"` // health and metrics endpoint, empty disables it
}

type Store struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" | "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

type Scheduler struct {
	Mode        string `json:"mode" yaml:"mode"`                     // "local" | "redis"
	Interval    string `json:"interval" yaml:"interval"`             // 5s or PT5S
	Cron        string `json:"cron,omitempty" yaml:"cron,omitempty"` // overrides interval
	MaxParallel int    `json:"max_parallel" yaml:"max_parallel"`
}

// StepsConfig shapes the steps generated for a new subprocess. The count is
// drawn from [MinCount, MaxCount).
type StepsConfig struct {
	Timeout  string `json:"timeout" yaml:"timeout"`
	MinCount int    `json:"min_count" yaml:"min_count"`
	MaxCount int    `json:"max_count" yaml:"max_count"`
}

type Dispatch struct {
	Redis *RedisDispatch `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type RedisDispatch struct {
	URL    string `json:"url" yaml:"url"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

// PollInterval returns the parsed Interval.
func (s Scheduler) PollInterval() (time.Duration, error) {
	d, err := ParseDuration(s.Interval)
	if err != nil {
		return 0, fmt.Errorf("parsing scheduler.interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler.interval must be positive: got %s", s.Interval)
	}
	return d, nil
}

// StepTimeout returns the parsed Timeout.
func (s StepsConfig) StepTimeout() (time.Duration, error) {
	d, err := ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing steps.timeout: %w", err)
	}
	return d, nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if out.Scheduler.Cron != "" {
		if _, err := ParseCron(out.Scheduler.Cron); err != nil {
			return Config{}, fmt.Errorf("parsing scheduler.cron: %w", err)
		}
	}
	if _, err := out.Scheduler.PollInterval(); err != nil {
		return Config{}, err
	}
	if _, err := out.Steps.StepTimeout(); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}
