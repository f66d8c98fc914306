// Package config resolves keynest settings from defaults, a keynest.yaml
// file, KEYNEST_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Hussein-Mazeh/keynest/krypto"
)

const (
	appName        = "keynest"
	configName     = "keynest"
	keystoreName   = ".keynest.db"
	envPrefix      = "keynest"
	systemDirUnix  = "/etc/keynest"
	configFileMode = 0o600
)

// Config is the merged configuration of defaults, config file, KEYNEST_*
// environment and command-line flags.
type Config struct {
	Path   string       `mapstructure:"path" yaml:"path,omitempty"`
	Lock   bool         `mapstructure:"lock" yaml:"lock"`
	KDF    KDFConfig    `mapstructure:"kdf" yaml:"kdf"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Policy PolicyConfig `mapstructure:"policy" yaml:"policy"`
}

// KDFConfig holds the Argon2id parameters used for new keystores and rekeys.
type KDFConfig struct {
	Memory      uint32 `mapstructure:"memory" yaml:"memory"`
	Time        uint32 `mapstructure:"time" yaml:"time"`
	Parallelism uint32 `mapstructure:"parallelism" yaml:"parallelism"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// PolicyConfig controls the password policy applied by init and rekey.
type PolicyConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	MinLength   int  `mapstructure:"min_length" yaml:"min_length"`
	MinScore    int  `mapstructure:"min_score" yaml:"min_score"`
	BreachCheck bool `mapstructure:"breach_check" yaml:"breach_check"`
}

// Params converts the KDF section.
func (c KDFConfig) Params() krypto.KdfParams {
	return krypto.KdfParams{MemoryKiB: c.Memory, Time: c.Time, Parallelism: c.Parallelism}
}

// Defaults returns the built-in values, keyed the way viper addresses them.
func Defaults() map[string]any {
	d := krypto.DefaultKdfParams()
	return map[string]any{
		"path":                "",
		"lock":                false,
		"kdf.memory":          d.MemoryKiB,
		"kdf.time":            d.Time,
		"kdf.parallelism":     d.Parallelism,
		"log.level":           "warn",
		"log.format":          "text",
		"policy.enabled":      true,
		"policy.min_length":   12,
		"policy.min_score":    3,
		"policy.breach_check": false,
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"path":            "path",
	"lock":            "lock",
	"kdf-memory":      "kdf.memory",
	"kdf-time":        "kdf.time",
	"kdf-parallelism": "kdf.parallelism",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"breach-check":    "policy.breach_check",
}

// GetConfigPath returns the user or system config file location.
func GetConfigPath(system bool) (string, error) {
	var dir string
	if system {
		switch runtime.GOOS {
		case "windows":
			dir = filepath.Join(os.Getenv("ProgramData"), appName)
		default:
			dir = systemDirUnix
		}
	} else {
		userDir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		dir = filepath.Join(userDir, appName)
	}
	return filepath.Join(dir, configName+".yaml"), nil
}

// DefaultKeystorePath is the per-user keystore location:
//
//	Linux:   $XDG_DATA_HOME/keynest/.keynest.db (~/.local/share when unset)
//	macOS:   ~/Library/Application Support/keynest/.keynest.db
//	Windows: %APPDATA%\keynest\.keynest.db
func DefaultKeystorePath() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			return "", errors.New("APPDATA is not set")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			base = filepath.Join(home, ".local", "share")
		}
	}
	return filepath.Join(base, appName, keystoreName), nil
}

// Load resolves the configuration for cmd. explicitFile, when non-empty,
// replaces the config file search.
func Load(cmd *cobra.Command, explicitFile string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		if p, err := GetConfigPath(false); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		if p, err := GetConfigPath(true); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless the user named one.
		var notFound viper.ConfigFileNotFoundError
		if explicitFile != "" || !errors.As(err, &notFound) {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := bindFlags(v, cmd); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}

	// --no-policy is the negation of policy.enabled.
	if cmd != nil {
		if f := cmd.Flags().Lookup("no-policy"); f != nil && f.Changed {
			c.Policy.Enabled = f.Value.String() != "true"
		}
	}

	if c.Path == "" {
		p, err := DefaultKeystorePath()
		if err != nil {
			return c, fmt.Errorf("resolve keystore path: %w", err)
		}
		c.Path = p
	}
	if abs, err := filepath.Abs(c.Path); err == nil {
		c.Path = abs
	}
	return c, nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// WriteConfigFile stores c as YAML in the user or system config location and
// returns the path written.
func WriteConfigFile(c *Config, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}
	if err := WriteConfigFileTo(c, path); err != nil {
		return "", err
	}
	return path, nil
}

// WriteConfigFileTo stores c as YAML at path.
func WriteConfigFileTo(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	return os.WriteFile(path, data, configFileMode)
}
