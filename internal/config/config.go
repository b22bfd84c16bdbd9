package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aluedeke/go-signkit/pkg/token"
)

// Config holds all configuration for the tool
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Keychain KeychainConfig `mapstructure:"keychain"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Token    TokenConfig    `mapstructure:"token"`
	CI       CIConfig       `mapstructure:"ci"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// KeychainConfig holds keychain management configuration
type KeychainConfig struct {
	// Dir holds keychain files; empty means ~/Library/Keychains
	Dir string `mapstructure:"dir"`
	// Prefix names keychains created by CI setup and selects them for pruning
	Prefix      string        `mapstructure:"prefix"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// ProfilesConfig holds provisioning profile configuration
type ProfilesConfig struct {
	// Dir holds installed profiles; empty means the Xcode default
	Dir string `mapstructure:"dir"`
	// Decoder is "pkcs7" (in-process) or "security" (security cms -D)
	Decoder string `mapstructure:"decoder"`
}

// TokenConfig holds App Store Connect API key configuration
type TokenConfig struct {
	IssuerID       string        `mapstructure:"issuer_id"`
	KeyID          string        `mapstructure:"key_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TTL            time.Duration `mapstructure:"ttl"`
	CacheWindow    time.Duration `mapstructure:"cache_window"`
}

// GeneratorConfig converts to the token package's Config
func (c TokenConfig) GeneratorConfig() token.Config {
	return token.Config{
		IssuerID:       c.IssuerID,
		KeyID:          c.KeyID,
		PrivateKey:     c.PrivateKey,
		PrivateKeyPath: c.PrivateKeyPath,
		TTL:            c.TTL,
		CacheWindow:    c.CacheWindow,
	}
}

// CIConfig holds the secrets CI setup reads, usually from the environment
// (SIGNKIT_CI_CERTIFICATE, SIGNKIT_CI_PROFILES, ...)
type CIConfig struct {
	Certificate         string   `mapstructure:"certificate"`
	CertificatePassword string   `mapstructure:"certificate_password"`
	Profiles            []string `mapstructure:"profiles"`
	KeychainName        string   `mapstructure:"keychain_name"`
	KeychainPassword    string   `mapstructure:"keychain_password"`
}

// Load reads configuration from an optional file and environment variables.
// An empty path searches for signkit.yaml in the working directory and
// ~/.config/signkit.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("signkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/signkit")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SIGNKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Unmarshal splits env strings on commas; base64 lists are whitespace separated
	cfg.CI.Profiles = v.GetStringSlice("ci.profiles")
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Profiles.Decoder {
	case "pkcs7", "security":
	default:
		return fmt.Errorf("invalid profiles.decoder %q: want pkcs7 or security", c.Profiles.Decoder)
	}
	if c.Keychain.LockTimeout < 0 {
		return fmt.Errorf("invalid keychain.lock_timeout %s", c.Keychain.LockTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Keychain defaults
	v.SetDefault("keychain.dir", "")
	v.SetDefault("keychain.prefix", "signkit-ci-")
	v.SetDefault("keychain.lock_timeout", "6h")

	// Profile defaults
	v.SetDefault("profiles.dir", "")
	v.SetDefault("profiles.decoder", "pkcs7")

	// Token defaults
	v.SetDefault("token.issuer_id", "")
	v.SetDefault("token.key_id", "")
	v.SetDefault("token.private_key", "")
	v.SetDefault("token.private_key_path", "")
	v.SetDefault("token.ttl", "20m")
	v.SetDefault("token.cache_window", "15m")

	// CI defaults
	v.SetDefault("ci.certificate", "")
	v.SetDefault("ci.certificate_password", "")
	v.SetDefault("ci.profiles", []string{})
	v.SetDefault("ci.keychain_name", "")
	v.SetDefault("ci.keychain_password", "")
}
