package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// config is the resolved connection configuration for a command
// invocation, after merging the config file and command line flags.
type config struct {
	Session bool
	Address string
	Timeout time.Duration
	Names   []string
}

func defaultConfig() config {
	return config{Timeout: 10 * time.Second}
}

type fileConfig struct {
	Bus     string   `toml:"bus"`
	Address string   `toml:"address"`
	Timeout string   `toml:"timeout"`
	Names   []string `toml:"names"`
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("bus") {
		switch bus := strings.TrimSpace(raw.Bus); bus {
		case "session":
			cfg.Session = true
		case "system", "":
			cfg.Session = false
		default:
			return config{}, fmt.Errorf("unknown bus %q, want session or system", bus)
		}
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}

	if meta.IsDefined("names") {
		cfg.Names = normalizeNames(raw.Names)
	}

	if undec := meta.Undecoded(); len(undec) > 0 {
		return config{}, fmt.Errorf("unknown config keys: %v", undec)
	}

	return cfg, nil
}

// resolveConfig merges the config file named by --config, if any,
// with the remaining global flags. Flags win when set.
func resolveConfig() (config, error) {
	cfg := defaultConfig()
	if globalArgs.Config != "" {
		var err error
		cfg, err = loadConfig(globalArgs.Config)
		if err != nil {
			return config{}, err
		}
	}
	if globalArgs.UseSessionBus {
		cfg.Session = true
	}
	if globalArgs.Address != "" {
		cfg.Address = globalArgs.Address
	}
	if globalArgs.Timeout > 0 {
		cfg.Timeout = globalArgs.Timeout
	}
	if globalArgs.Names != "" {
		cfg.Names = normalizeNames(strings.Split(globalArgs.Names, ","))
	}
	return cfg, nil
}

func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		v := strings.TrimSpace(n)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
