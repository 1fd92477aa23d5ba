package diverge

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSolverTimeout bounds each solver query. The search never issues
// an unbounded query.
const DefaultSolverTimeout = 5 * time.Second

// DefaultRunTimeout bounds each execution of the target.
const DefaultRunTimeout = 30 * time.Second

// DefaultBudget is the default run budget of a search.
const DefaultBudget = 1000

// Config carries the orchestrator settings. Fields are plain values so
// a Config can come from flags, a TOML file, or both, with flags taking
// precedence.
type Config struct {
	OutDir          string `toml:"outdir"`
	SolverTimeoutMS int    `toml:"solver-timeout-ms"`
	RunTimeoutMS    int    `toml:"run-timeout-ms"`
	Budget          int    `toml:"budget"`
	Workers         int    `toml:"workers"`
	VisitedPath     string `toml:"visited"`
	SyncMode        string `toml:"sync-mode"`
	OutputFormat    string `toml:"format"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		OutDir:          "diverge-out",
		SolverTimeoutMS: int(DefaultSolverTimeout / time.Millisecond),
		RunTimeoutMS:    int(DefaultRunTimeout / time.Millisecond),
		Budget:          DefaultBudget,
		Workers:         1,
		SyncMode:        SyncLocked.String(),
		OutputFormat:    FormatFlatBytes.String(),
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate checks field ranges and enum values.
func (c *Config) Validate() error {
	if c.SolverTimeoutMS <= 0 {
		return fmt.Errorf("config: solver timeout must be positive")
	}
	if c.RunTimeoutMS <= 0 {
		return fmt.Errorf("config: run timeout must be positive")
	}
	if c.Budget <= 0 {
		return fmt.Errorf("config: budget must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1")
	}
	if _, err := ParseSyncMode(c.SyncMode); err != nil {
		return err
	}
	if _, err := ParseOutputFormat(c.OutputFormat); err != nil {
		return err
	}
	return nil
}

// SolverTimeout returns the per-query solver timeout as a duration.
func (c *Config) SolverTimeout() time.Duration {
	return time.Duration(c.SolverTimeoutMS) * time.Millisecond
}

// RunTimeout returns the per-run timeout as a duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMS) * time.Millisecond
}

// Mode returns the parsed sync mode. Call Validate first.
func (c *Config) Mode() SyncMode {
	m, err := ParseSyncMode(c.SyncMode)
	assert(err == nil, "config: %v", err)
	return m
}

// Format returns the parsed output format. Call Validate first.
func (c *Config) Format() OutputFormat {
	f, err := ParseOutputFormat(c.OutputFormat)
	assert(err == nil, "config: %v", err)
	return f
}
