package app

import (
	"time"

	"github.com/pkg/errors"

	"github.com/criteo/worker-autoscaler/pkg/scaling"
	"github.com/criteo/worker-autoscaler/pkg/utils"
	"github.com/criteo/worker-autoscaler/pkg/workers"
)

const (
	TransportInMem  = "inmem"
	TransportPebble = "pebble"
)

var transportKinds = []string{TransportInMem, TransportPebble}

type Config struct {
	AutoScaling scaling.Config     `yaml:"autoscaling"`
	Transport   TransportConfig    `yaml:"transport,omitempty"`
	Pool        workers.PoolConfig `yaml:"pool,omitempty"`
	Load        LoadConfig         `yaml:"load,omitempty"`
}

type TransportConfig struct {
	Kind    string `yaml:"kind,omitempty"`
	Address string `yaml:"address,omitempty"`
	// Pebble only
	DataDir string `yaml:"data_dir,omitempty"`
	Sync    bool   `yaml:"sync,omitempty"`
}

// LoadConfig describes synthetic work to push through the pool, mostly
// useful to watch the auto-scaler react
type LoadConfig struct {
	Messages     int           `yaml:"messages,omitempty"`
	HandlerDelay time.Duration `yaml:"handler_delay,omitempty"`
	// Log a bar chart line of the worker count every ChartInterval, 0 disables it
	ChartInterval time.Duration `yaml:"chart_interval,omitempty"`
}

var (
	defaultTransportConfig = TransportConfig{
		Kind:    TransportInMem,
		Address: "autoscaler",
		DataDir: "./data",
	}
	defaultLoadConfig = LoadConfig{
		HandlerDelay:  10 * time.Second,
		ChartInterval: time.Second,
	}
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	c.Transport = defaultTransportConfig
	c.Load = defaultLoadConfig
	type plain Config
	err := unmarshal((*plain)(c))
	if err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *TransportConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultTransportConfig
	type plain TransportConfig
	err := unmarshal((*plain)(c))
	if err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *LoadConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultLoadConfig
	type plain LoadConfig
	err := unmarshal((*plain)(c))
	if err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.AutoScaling.Validate(); err != nil {
		return errors.Wrap(err, "autoscaling")
	}
	if !utils.Contains(transportKinds, c.Transport.Kind) {
		return errors.Errorf("transport: unknown kind %q, expected one of %v", c.Transport.Kind, transportKinds)
	}
	if c.Transport.Address == "" {
		return errors.New("transport: address is required")
	}
	if c.Transport.Kind == TransportPebble && c.Transport.DataDir == "" {
		return errors.New("transport: data_dir is required by the pebble transport")
	}
	if c.Load.Messages < 0 || c.Load.HandlerDelay < 0 || c.Load.ChartInterval < 0 {
		return errors.New("load: values must be 0 or more")
	}
	return nil
}
