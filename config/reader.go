package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const defaultConfigFile = "config.toml"

// ReadConfig loads config.toml from the working directory over the
// defaults and stores the result in Config.
func ReadConfig() (*configDefinition, error) {
	return ReadConfigFile(defaultConfigFile)
}

// ReadConfigFile is ReadConfig for an explicit path. A missing file is not
// an error; the defaults are used.
func ReadConfigFile(path string) (*configDefinition, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var cfg configDefinition
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	Config = cfg
	return &Config, nil
}

func (c configDefinition) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Batch.Window <= 0:
		return errors.New("batch.window must be positive")
	case c.Batch.SafetyInterval <= 0:
		return errors.New("batch.safety_interval must be positive")
	case c.Batch.MaxWritesPerWindow <= 0:
		return errors.New("batch.max_writes_per_window must be positive")
	case c.Batch.RateWindow <= 0:
		return errors.New("batch.rate_window must be positive")
	case c.StatsFlush.Debounce <= 0 || c.StatsFlush.SafetyInterval <= 0:
		return errors.New("stats_flush intervals must be positive")
	case c.Cache.FastTTL <= 0 || c.Cache.TTL <= 0:
		return errors.New("cache ttls must be positive")
	case c.Webhooks.Interval <= 0:
		return errors.New("webhooks.interval must be positive")
	}
	return nil
}
