package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log LogConfig
	API APIConfig
}

type APIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	if configDir, err := userConfigDir(); err == nil {
		viper.AddConfigPath(configDir)
	}
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("api.base_url", "BUILDCTL_API_BASE_URL")
	_ = viper.BindEnv("log.level", "BUILDCTL_LOG_LEVEL")

	viper.SetDefault("api.base_url", "https://api.buildcloud.io")
	viper.SetDefault("api.timeout", 30*time.Second)
	viper.SetDefault("api.max_attempts", 3)
	viper.SetDefault("log.level", LOG_LEVEL_INFO)

	// The config file is optional for a CLI; defaults and environment
	// cover the common case.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)
}

func userConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "buildctl"), nil
}
