package config

import (
	"time"

	"github.com/harun/postpilot/internal/logger"
	"github.com/harun/postpilot/pkg/credential"
	"github.com/harun/postpilot/pkg/orchestrator"
)

// Config is the process configuration for the rotation/replay core
type Config struct {
	// DataDir holds the sqlite database and import drop directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// ImportDir is watched for workflow JSON documents; empty disables
	// the watcher
	ImportDir string `json:"import_dir" mapstructure:"import_dir"`

	// SweepSchedule is the cron spec for the quota reset sweep
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`

	// Pools declares rotation pools known at startup
	Pools []PoolConfig `json:"pools" mapstructure:"pools"`

	Orchestrator orchestrator.Config `json:"orchestrator" mapstructure:"orchestrator"`
	Browser      BrowserConfig       `json:"browser" mapstructure:"browser"`
	Logging      logger.Config       `json:"logging" mapstructure:"logging"`
}

// PoolConfig declares one rotation pool
type PoolConfig struct {
	ID       string                      `json:"id" mapstructure:"id"`
	Platform string                      `json:"platform" mapstructure:"platform"`
	Strategy credential.RotationStrategy `json:"strategy" mapstructure:"strategy"`
	Policy   credential.PoolPolicy       `json:"policy" mapstructure:"policy"`
}

// BrowserConfig holds browser connection settings
type BrowserConfig struct {
	// CDPUrl attaches to an already running browser; empty launches one
	CDPUrl   string `json:"cdp_url" mapstructure:"cdp_url"`
	Headless bool   `json:"headless" mapstructure:"headless"`
	// NavigationTimeout bounds page loads
	NavigationTimeout time.Duration `json:"navigation_timeout" mapstructure:"navigation_timeout"`
}

// Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		DataDir:       "./data",
		ImportDir:     "./data/import",
		SweepSchedule: "@every 1m",
		Orchestrator:  orchestrator.DefaultConfig(),
		Browser: BrowserConfig{
			Headless:          true,
			NavigationTimeout: 30 * time.Second,
		},
		Logging: logger.DefaultConfig(),
	}
}
