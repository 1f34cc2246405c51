package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the resolved CLI configuration: defaults, then the config file,
// then flags.
type Config struct {
	AppName     string
	InstallRoot string
	Elevate     bool
	LogLevel    string
}

func defaultConfig() Config {
	root := ""
	if exe, err := os.Executable(); err == nil {
		root = filepath.Dir(exe)
	}
	return Config{
		AppName:     "diskburn",
		InstallRoot: root,
		Elevate:     true,
		LogLevel:    "info",
	}
}

type fileConfig struct {
	AppName     string `toml:"app_name"`
	InstallRoot string `toml:"install_root"`
	Elevate     bool   `toml:"elevate"`
	LogLevel    string `toml:"log_level"`
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("app_name") {
		if name := strings.TrimSpace(raw.AppName); name != "" {
			cfg.AppName = name
		}
	}
	if meta.IsDefined("install_root") {
		cfg.InstallRoot = raw.InstallRoot
	}
	if meta.IsDefined("elevate") {
		cfg.Elevate = raw.Elevate
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	return cfg, nil
}
