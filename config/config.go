package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// EnvPrefix namespaces environment overrides, e.g. DISKTRODROP_PORT.
const EnvPrefix = "DISKTRODROP"

// AppConfig holds the application-level configuration
type AppConfig struct {
	Transport         string        `mapstructure:"transport"`
	Mode              string        `mapstructure:"mode"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	StoragePath       string        `mapstructure:"storage_path"`
	ReplyPath         string        `mapstructure:"reply_path"`
	ReplyMaxSize      int           `mapstructure:"reply_max_size"`
	OutputPath        string        `mapstructure:"output_path"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	RetransmitTimeout time.Duration `mapstructure:"retransmit_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	NameSettle        time.Duration `mapstructure:"name_settle"`
	Compress          bool          `mapstructure:"compress"`
	MetadataPath      string        `mapstructure:"metadata_path"`
	StatusAddr        string        `mapstructure:"status_addr"`
	Debug             bool          `mapstructure:"debug"`
}

var Config *AppConfig

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", string(transfer.TransportStream))
	v.SetDefault("mode", string(transfer.ModeFramed))
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 12345)
	v.SetDefault("chunk_size", transfer.DefaultChunkSize)
	v.SetDefault("storage_path", "./data")
	v.SetDefault("reply_path", "thanks.txt")
	v.SetDefault("reply_max_size", transfer.DefaultReplyMaxSize)
	v.SetDefault("output_path", "received_thanks.txt")
	v.SetDefault("session_timeout", 30*time.Second)
	v.SetDefault("retransmit_timeout", 200*time.Millisecond)
	v.SetDefault("max_retries", 10)
	v.SetDefault("name_settle", 50*time.Millisecond)
	v.SetDefault("compress", false)
	v.SetDefault("metadata_path", "./data/.metadata")
	v.SetDefault("status_addr", "")
	v.SetDefault("debug", false)
}

// LoadConfig reads config.yaml from path, applies DISKTRODROP_* environment
// overrides and validates the result. A missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadConfig",
			"path":     path,
		}).Warn("Could not read config file, using defaults")
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	logrus.WithFields(logrus.Fields{
		"function":  "LoadConfig",
		"transport": appConfig.Transport,
		"mode":      appConfig.Mode,
		"port":      appConfig.Port,
	}).Debug("Configuration loaded")
	return &appConfig, nil
}

// Validate checks the values that the engines cannot default themselves.
func (c *AppConfig) Validate() error {
	if _, err := transfer.ParseTransport(c.Transport); err != nil {
		return err
	}
	if _, err := transfer.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := transfer.ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReplyMaxSize < 0 || c.MaxRetries < 0 {
		return errors.New("reply_max_size and max_retries must not be negative")
	}
	return nil
}

// Address joins host and port.
func (c *AppConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
