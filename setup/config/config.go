package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ActiveSync is the top level configuration for the sync-state engine.
type ActiveSync struct {
	// The version of the configuration file format.
	Version int `yaml:"version"`

	Global    Global    `yaml:"global"`
	SyncState SyncState `yaml:"sync_state"`
}

// Global contains configuration shared by every component.
type Global struct {
	// Sentry configuration
	Sentry Sentry `yaml:"sentry"`
}

// Sentry defines the crash reporting configuration.
type Sentry struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

func (c *Global) Defaults(opts DefaultOpts) {
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	if c.Sentry.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.Sentry.DSN)
	}
}

// DefaultOpts are the options to Defaults, controlling how missing values
// are filled in.
type DefaultOpts struct {
	// Generate means the configuration is being generated from scratch, so
	// data-source names and similar values should be populated too.
	Generate bool
}

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// Defaults sets default config values for all sections.
func (c *ActiveSync) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.SyncState.Defaults(opts)
}

// Verify checks the config and returns an error listing every problem found.
func (c *ActiveSync) Verify() error {
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %d, expected %d", c.Version, Version,
		))
	}
	c.Global.Verify(&configErrs)
	c.SyncState.Verify(&configErrs)
	if configErrs != nil {
		return configErrs
	}
	return nil
}

// Load loads the configuration from the given yaml file.
func Load(configPath string) (*ActiveSync, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return loadConfig(configData)
}

func loadConfig(configData []byte) (*ActiveSync, error) {
	var config ActiveSync
	config.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, err
	}
	if err := config.Verify(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ConfigErrors stores problems encountered when verifying a config.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
