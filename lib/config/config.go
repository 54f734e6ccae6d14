/*
Copyright 2024 WebSSH Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads gateway settings from the environment and sets up
// structured logging.
package config

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webssh/gateway/lib/defaults"
)

// Config is the gateway's runtime configuration, resolved from the
// environment with defaults applied.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// MaxMessageSize caps inbound websocket frames.
	MaxMessageSize int64
	// MaxUploadSize caps decoded SFTP uploads.
	MaxUploadSize int64
	// EncryptionKey is the master key for the secure handshake. Empty
	// disables the authenticate flow.
	EncryptionKey string
	// SessionTTL is how long a detached session survives.
	SessionTTL time.Duration
	// Logging configuration.
	Log LogConfig
}

// LogConfig controls log destinations and rotation.
type LogConfig struct {
	Level          string
	Directory      string
	MaxFileSizeMB  int
	MaxBackupFiles int
	MaxAgeDays     int
	EnableFile     bool
	EnableConsole  bool
}

// Environment variable names.
const (
	EnvListenAddr     = "GATEWAY_LISTEN_ADDR"
	EnvMaxMessageSize = "WS_MAX_MESSAGE_SIZE"
	EnvMaxUploadSize  = "MAX_UPLOAD_SIZE"
	EnvEncryptionKey  = "ENCRYPTION_KEY"
	EnvSessionTTL     = "SESSION_TTL"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogDirectory   = "LOG_DIRECTORY"
	EnvLogMaxFileSize = "LOG_MAX_FILE_SIZE"
	EnvLogMaxBackups  = "LOG_MAX_BACKUP_FILES"
	EnvLogMaxAgeDays  = "LOG_MAX_AGE_DAYS"
	EnvLogEnableFile  = "LOG_ENABLE_FILE"
	EnvLogEnableCons  = "LOG_ENABLE_CONSOLE"
)

// FromEnv resolves the configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envString(EnvListenAddr, defaults.HTTPListenAddr),
		MaxMessageSize: envInt64(EnvMaxMessageSize, defaults.MaxMessageSize),
		MaxUploadSize:  envInt64(EnvMaxUploadSize, defaults.MaxUploadSize),
		EncryptionKey:  os.Getenv(EnvEncryptionKey),
		Log: LogConfig{
			Level:          envString(EnvLogLevel, "info"),
			Directory:      envString(EnvLogDirectory, "logs"),
			MaxFileSizeMB:  int(envInt64(EnvLogMaxFileSize, 100)),
			MaxBackupFiles: int(envInt64(EnvLogMaxBackups, 5)),
			MaxAgeDays:     int(envInt64(EnvLogMaxAgeDays, 30)),
			EnableFile:     envBool(EnvLogEnableFile, false),
			EnableConsole:  envBool(EnvLogEnableCons, true),
		},
	}

	ttl := envInt64(EnvSessionTTL, 0)
	if ttl > 0 {
		cfg.SessionTTL = time.Duration(ttl) * time.Second
	} else {
		cfg.SessionTTL = defaults.SessionTTL
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = defaults.MaxUploadSize
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return trace.BadParameter("invalid log level %q", c.Log.Level)
	}
	if c.Log.EnableFile && c.Log.Directory == "" {
		return trace.BadParameter("file logging requires a log directory")
	}
	return nil
}

// InitLogging configures the standard logger per the config and returns
// it. File output rotates via lumberjack.
func (c *Config) InitLogging() *logrus.Logger {
	log := logrus.StandardLogger()
	level, _ := logrus.ParseLevel(c.Log.Level)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	var sinks []io.Writer
	if c.Log.EnableConsole {
		sinks = append(sinks, os.Stderr)
	}
	if c.Log.EnableFile {
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   c.Log.Directory + "/gateway.log",
			MaxSize:    c.Log.MaxFileSizeMB,
			MaxBackups: c.Log.MaxBackupFiles,
			MaxAge:     c.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	switch len(sinks) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(sinks[0])
	default:
		log.SetOutput(io.MultiWriter(sinks...))
	}
	return log
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
