package scaling

import (
	"time"

	"github.com/pkg/errors"

	"github.com/criteo/worker-autoscaler/pkg/utils"
)

// Config of the auto-scaler as found in the configuration file
type Config struct {
	// Workers are never added above this count
	MaxWorkers int `yaml:"max_workers"`
	// Max number of messages handled concurrently, defaults to MaxWorkers when 0
	MaxParallelism int `yaml:"max_parallelism,omitempty"`
	// At most one worker is added or removed per interval
	AdjustmentIntervalSeconds int `yaml:"adjustment_interval_seconds,omitempty"`
	// Grow after this many receives in a row returned a message, 0 disables the rule
	SuccessiveReceivesThreshold int64 `yaml:"successive_receives_threshold,omitempty"`
}

var (
	defaultConfig = Config{
		AdjustmentIntervalSeconds:   10,
		SuccessiveReceivesThreshold: defaultSuccessiveReceivesThreshold,
	}
)

// DefaultConfig returns the defaults applied when parsing a configuration file
func DefaultConfig(maxWorkers int) Config {
	c := defaultConfig
	c.MaxWorkers = maxWorkers
	return c
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultConfig
	type plain Config
	err := unmarshal((*plain)(c))
	if err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return errors.Errorf("max_workers must be greater than 0, got %d", c.MaxWorkers)
	}
	if c.MaxParallelism < 0 {
		return errors.Errorf("max_parallelism must be 0 or more, got %d", c.MaxParallelism)
	}
	if c.AdjustmentIntervalSeconds < 1 {
		return errors.Errorf("Please provide a value of at least 1 for the adjustment interval, got %d", c.AdjustmentIntervalSeconds)
	}
	if c.SuccessiveReceivesThreshold < 0 {
		return errors.Errorf("successive_receives_threshold must be 0 or more, got %d", c.SuccessiveReceivesThreshold)
	}
	return nil
}

// Parallelism is the effective max parallelism
func (c Config) Parallelism() int {
	if c.MaxParallelism > 0 {
		return c.MaxParallelism
	}
	return c.MaxWorkers
}

func (c Config) AdjustmentInterval() time.Duration {
	return utils.SecondsToDuration(c.AdjustmentIntervalSeconds)
}
