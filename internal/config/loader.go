package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Load reads configuration from a JSON file, falling back to defaults
// when the file does not exist. POSTPILOT_* environment variables
// override file values, with dots replaced by underscores
// (POSTPILOT_DATA_DIR, POSTPILOT_LOGGING_LEVEL,
// POSTPILOT_BROWSER_CDP_URL).
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("POSTPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("Config file not found, using defaults")
		} else {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setDefaults registers every known key so environment overrides apply
// even when the config file omits them
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("import_dir", cfg.ImportDir)
	v.SetDefault("sweep_schedule", cfg.SweepSchedule)

	v.SetDefault("orchestrator.quota_unit", string(cfg.Orchestrator.QuotaUnit))
	v.SetDefault("orchestrator.ceiling_margin", cfg.Orchestrator.CeilingMargin)
	v.SetDefault("orchestrator.ceiling_floor", cfg.Orchestrator.CeilingFloor)

	v.SetDefault("browser.cdp_url", cfg.Browser.CDPUrl)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.navigation_timeout", cfg.Browser.NavigationTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
}
