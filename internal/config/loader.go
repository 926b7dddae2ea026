package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} references in a config file, resolved
// against the process environment before the YAML is parsed.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// YAMLLoader reads and parses a gateway configuration file from disk,
// substituting ${VAR} environment variable references before decoding.
type YAMLLoader struct {
	path string
}

// NewYAMLLoader returns a loader for the config file at path.
func NewYAMLLoader(path string) *YAMLLoader {
	return &YAMLLoader{path: path}
}

// Load reads, env-substitutes, and parses the config file, but does not
// validate it — callers should run the result through Validator.Validate.
func (l *YAMLLoader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded, err := expandEnvVars(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func expandEnvVars(raw string) (string, error) {
	var missing string
	result := envVarPattern.ReplaceAllStringFunc(raw, func(ref string) string {
		name := envVarPattern.FindStringSubmatch(ref)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return ref
		}
		return val
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %s not set", missing)
	}
	return result, nil
}
