package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/signagectl/internal/app"
)

// envPrefix marks environment variables that carry configuration,
// e.g. SIGNAGECTL_AUTH__REDIS__ADDR sets auth.redis.addr.
const envPrefix = "SIGNAGECTL_"

// keySeparator splits nesting levels in env variable and flag names.
const keySeparator = "__"

// sessionFlags belong to individual session commands and never reach app.Config.
var sessionFlags = []string{"config", "email", "password", "data", "header"}

// configLayer is one named source of configuration values.
type configLayer struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// configLayers returns the sources in ascending precedence.
func configLayers(configPath string, cmd *cli.Command, environ func() []string) []configLayer {
	var layers []configLayer

	if configPath != "" {
		layers = append(layers, configLayer{
			name:     "config file " + configPath,
			provider: file.Provider(configPath),
			parser:   toml.Parser(),
		})
	}

	layers = append(layers, configLayer{
		name: "environment",
		provider: env.Provider(".", env.Opt{
			Prefix:        envPrefix,
			TransformFunc: func(key, value string) (string, any) { return envKey(key), value },
			EnvironFunc:   environ,
		}),
	})

	if cmd != nil {
		layers = append(layers, configLayer{
			name:     "command line flags",
			provider: confmap.Provider(flagValues(cmd), "."),
		})
	}

	return layers
}

// loadConfig merges the config file, SIGNAGECTL_* variables and set flags,
// in that order, then fills defaults and validates the result.
func loadConfig(configPath string, cmd *cli.Command, environ func() []string) (*app.Config, error) {
	k := koanf.New(".")

	for _, layer := range configLayers(configPath, cmd, environ) {
		err := k.Load(layer.provider, layer.parser)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%s does not exist", layer.name)
		case err != nil:
			return nil, fmt.Errorf("loading %s: %w", layer.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps SIGNAGECTL_API__BASE_URL to api.base_url.
func envKey(name string) string {
	name = strings.TrimPrefix(name, envPrefix)
	return strings.ToLower(strings.ReplaceAll(name, keySeparator, "."))
}

// flagKey maps --api--base-url to api.base_url.
func flagKey(name string) string {
	parts := strings.Split(name, keySeparator)
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(part, "-", "_")
	}
	return strings.Join(parts, ".")
}

// flagValues collects explicitly set application flags of cmd and its
// ancestors, keyed by config path. Unset flags are left out so they do not
// shadow the file or the environment.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if slices.Contains(sessionFlags, name) || !cmd.IsSet(name) {
			continue
		}
		if value := cmd.Value(name); value != nil {
			values[flagKey(name)] = value
		}
	}
	return values
}

// defaultConfigPath returns the per-user config.toml, or "" when there is none.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "signagectl", "config.toml")
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
