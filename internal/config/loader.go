// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// EnvPrefix is the prefix of environment variables overriding options: T5TRAIN_TRAIN_BSIZE=8.
const EnvPrefix = "T5TRAIN_"

// Load builds the RunConfig from, in increasing order of precedence: Defaults, the YAML file
// cfgFile (if not empty), T5TRAIN_* environment variables, the positional arguments and the
// flags explicitly set in flags.
//
// Flag names use "-" where option keys use "_" ("train-bsize" sets "train_bsize").
// The returned configuration is not yet validated.
func Load(cfgFile string, positional map[string]string, flags *pflag.FlagSet) (*RunConfig, error) {
	k := koanf.New(".")

	// 1. Defaults.
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	// 2. Configuration file.
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", cfgFile)
		}
		klog.V(1).Infof("Loaded configuration from %q", cfgFile)
	}

	// 3. Environment: T5TRAIN_TRAIN_BSIZE -> train_bsize.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load env vars")
	}

	// 4. Positional arguments.
	if len(positional) > 0 {
		values := make(map[string]any, len(positional))
		for key, value := range positional {
			values[key] = value
		}
		if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
			return nil, errors.Wrap(err, "failed to load positional arguments")
		}
	}

	// 5. Flags: only those explicitly set, so they don't shadow the file or the environment.
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return FlagToKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, errors.Wrap(err, "failed to load flags")
		}
	}

	cfg := &RunConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	cfg.ConfigFile = cfgFile
	return cfg, nil
}

// FlagToKey converts a flag name to its option key.
func FlagToKey(flagName string) string {
	return strings.ReplaceAll(flagName, "-", "_")
}

// KeyToFlag converts an option key to its flag name.
func KeyToFlag(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Args returns every option value keyed by option name, as serialized in JSON.
// Secrets (the HuggingFace token) are not included.
func (c *RunConfig) Args() (map[string]any, error) {
	blob, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize run configuration")
	}
	args := make(map[string]any)
	if err = json.Unmarshal(blob, &args); err != nil {
		return nil, errors.Wrap(err, "failed to convert run configuration to a map")
	}
	return args, nil
}

// ConfigFileContents returns the contents of the configuration file used, or nil if none was used.
func (c *RunConfig) ConfigFileContents() ([]byte, error) {
	if c.ConfigFile == "" {
		return nil, nil
	}
	contents, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", c.ConfigFile)
	}
	return contents, nil
}
