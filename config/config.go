// Package config loads the daemon configuration with viper.
//
// Every key has a default. A config file is optional: an explicit path, or
// config.{yaml,yml,json,toml} in the working directory. Environment variables
// prefixed with DISKEXPLORER_ override both, with dots replaced by
// underscores (DISKEXPLORER_SCAN_WORKERS=8).
//
//	v := viper.New()
//	cfg, err := config.Load(v, "")
//	if err != nil {
//		logger.Fatalf("config: %v", err)
//	}
//	config.Watch(v, func(c *config.Config) { classifier.Update(c.Quality) })
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/viper"

	"github.com/mordilloSan/diskexplorer/video"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DISKEXPLORER"

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig     `mapstructure:"server"`
	Storage StorageConfig    `mapstructure:"storage"`
	Scan    ScanConfig       `mapstructure:"scan"`
	Video   VideoConfig      `mapstructure:"video"`
	Quality video.Thresholds `mapstructure:"quality"`
	Files   FilesConfig      `mapstructure:"files"`
	Log     LogConfig        `mapstructure:"log"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load applies defaults, reads the config file (file may be empty) and
// environment overrides into v, and returns the validated result.
func Load(v *viper.Viper, file string) (*Config, error) {
	setAllDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		for _, ext := range []string{"yaml", "yml", "json", "toml"} {
			candidate := filepath.Join(".", "config."+ext)
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				break
			}
		}
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	return decode(v)
}

// Watch reloads the config file whenever it changes and hands every valid
// result to onChange. Invalid edits are logged and ignored. Without a config
// file there is nothing to watch.
func Watch(v *viper.Viper, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warnf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		logger.Infof("Config reloaded from %s", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Server.Listen == "" && c.Server.SocketPath == "" {
		return errors.New("invalid config: server.listen and server.socket_path are both empty")
	}
	return nil
}

func setAllDefaults(v *viper.Viper) {
	var (
		server  ServerConfig
		storage StorageConfig
		scan    ScanConfig
		vid     VideoConfig
		files   FilesConfig
		log     LogConfig
	)
	server.setDefaults(v)
	storage.setDefaults(v)
	scan.setDefaults(v)
	vid.setDefaults(v)
	files.setDefaults(v)
	log.setDefaults(v)
	setQualityDefaults(v)
}
