// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the settings of the qimessaging binaries.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

const (
	DefaultListen         = "tcp://0.0.0.0:9559"
	DefaultMasterAddress  = "tcp://127.0.0.1:9559"
	DefaultConnectTimeout = 10 * time.Second
)

type Config struct {
	Listen        []string        `yaml:"listen" toml:"listen"`
	MasterAddress string          `yaml:"master_address" toml:"master_address"`
	EventLoop     EventLoopConfig `yaml:"event_loop" toml:"event_loop"`
	TLS           TLSConfig       `yaml:"tls" toml:"tls"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	Health        HealthConfig    `yaml:"health" toml:"health"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`

	// ConnectTimeout is in seconds.
	ConnectTimeout int `yaml:"connect_timeout" toml:"connect_timeout"`
}

type EventLoopConfig struct {
	Size int `yaml:"size" toml:"size"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
}

// AuthConfig holds the HS256 secret servers verify with and the token
// clients present.
type AuthConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	Token  string `yaml:"token" toml:"token"`
}

type AdminConfig struct {
	Address string `yaml:"address" toml:"address"`
}

type HealthConfig struct {
	Address string `yaml:"address" toml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// LoadConfig reads file and applies defaults. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(file), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{DefaultListen}
	}
	if cfg.MasterAddress == "" {
		cfg.MasterAddress = DefaultMasterAddress
	}
	if cfg.EventLoop.Size <= 0 {
		cfg.EventLoop.Size = runtime.NumCPU()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = int(DefaultConnectTimeout / time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Timeout returns the connect timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}
