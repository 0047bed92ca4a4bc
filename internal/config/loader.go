package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CHATSYNC"

// Loader resolves configuration with the precedence
// defaults < config file < .env < environment < flags.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFiles   []string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// SetEnvFiles lists .env files to load. Missing files are ignored; values
// already present in the environment win.
func (l *Loader) SetEnvFiles(paths ...string) {
	l.envFiles = paths
}

// BindFlags makes the given flags override every other source. Flag names
// use dashes in place of the underscores of the config keys.
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if bindErr := l.v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = bindErr
		}
	})
	return err
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range l.envFiles {
		if err := godotenv.Load(path); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("chatsync")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.config/chatsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("websocket_url", cfg.WebsocketURL)
	v.SetDefault("token", cfg.Token)
	v.SetDefault("signing_secret", cfg.SigningSecret)
	v.SetDefault("database_dsn", cfg.DatabaseDSN)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("allowed_origins", cfg.AllowedOrigins)
	v.SetDefault("room_page_size", cfg.RoomPageSize)
	v.SetDefault("message_page_size", cfg.MessagePageSize)
	v.SetDefault("notification_interval", cfg.NotificationInterval)
	v.SetDefault("min_backoff", cfg.MinBackoff)
	v.SetDefault("max_backoff", cfg.MaxBackoff)
	v.SetDefault("splash", cfg.Splash)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	v.AutomaticEnv()
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	err := l.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && l.configFile == "" {
		return nil
	}
	return err
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
