package config

import (
	"flag"
)

// Get parses command line flags and returns the resulting configuration.
// Without --config the built-in defaults are used.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	platform := flag.String("platform", "", "override platform: binance or simulate")
	readOnly := flag.Bool("read-only", false, "never place orders")
	metrics := flag.String("metrics", "", "prometheus listen address, example: :9102")
	flag.Parse()

	cfg := Default()
	if *path != "" {
		var err error
		cfg, err = Load(*path)
		if err != nil {
			return Config{}, err
		}
	}

	if *platform != "" {
		cfg.Platform = *platform
	}
	if *readOnly {
		cfg.ReadOnly = true
	}
	if *metrics != "" {
		cfg.MetricsAddr = *metrics
	}

	return cfg, cfg.Validate()
}
