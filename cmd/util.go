package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"mining-settlement/config"
)

const pidFile = "settlement.pid"

func getAppDir() (string, string) {
	app := filepath.Base(os.Args[0])
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		log.Panic(err)
	}
	return app, dir
}

func getConfigPath(command *cobra.Command) string {
	configPath, _ := command.Flags().GetString("config")

	if configPath == "" {
		configPath = "config.json"
	}

	return configPath
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configsPath := getConfigPath(cmd)

	file, err := os.Open(configsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open configs file at %q: %w", configsPath, err)
	}
	defer file.Close()

	cfg, err := decodeConfig(file, filepath.Ext(configsPath))
	if err != nil {
		return nil, fmt.Errorf("unable to decode configs file at %q: %w", configsPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// decodeConfig 在默认配置上解码
func decodeConfig(r io.Reader, ext string) (*config.Config, error) {
	cfg := config.Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
			return nil, err
		}
	default:
		if err := json.NewDecoder(r).Decode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func initLogger(cfg *config.Logger) error {
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	// Output to stdout instead of the default stderr
	log.SetOutput(os.Stdout)
	if cfg.Mode == "file" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	return nil
}
