package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "tmon"
	configFile string = "config.yml"
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// LogLevel is one of trace, debug, error and none.
	LogLevel string `yaml:"log-level"`
	// BreakFunction is the function where the run command stops first.
	BreakFunction string `yaml:"break-function"`
	// Source code path substitution rules, applied to the source locations shown to the user.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`
}

// Default returns the configuration used when the config file doesn't exist.
func Default() *Config {
	return &Config{LogLevel: "none", BreakFunction: "main"}
}

// LoadConfig reads the config file. The default configuration is returned if the file doesn't exist.
// Empty options in the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	conf := Default()

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return conf, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", path, err)
	}
	return conf, nil
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME is used if set, otherwise ~/.config.
func GetConfigFilePath(file string) string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, configDir, file)
	}

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	return filepath.Join(userHomeDir, ".config", configDir, file)
}

// DefaultPath returns the path to the config file.
func DefaultPath() string {
	return GetConfigFilePath(configFile)
}

// Substitute applies the first matched rule to the path. The rule matches only the whole directory names.
func (rules SubstitutePathRules) Substitute(path string) string {
	separator := string(os.PathSeparator)
	for _, r := range rules {
		from := strings.TrimSuffix(r.From, separator) + separator
		if !strings.HasPrefix(path, from) {
			continue
		}

		to := strings.TrimSuffix(r.To, separator) + separator
		return to + path[len(from):]
	}
	return path
}
