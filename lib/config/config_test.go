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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webssh/gateway/lib/defaults"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenAddr, cfg.ListenAddr)
	require.Equal(t, int64(defaults.MaxMessageSize), cfg.MaxMessageSize)
	require.Equal(t, int64(defaults.MaxUploadSize), cfg.MaxUploadSize)
	require.Equal(t, defaults.SessionTTL, cfg.SessionTTL)
	require.Equal(t, "info", cfg.Log.Level)
	require.True(t, cfg.Log.EnableConsole)
	require.False(t, cfg.Log.EnableFile)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvListenAddr, "127.0.0.1:9000")
	t.Setenv(EnvMaxMessageSize, "1048576")
	t.Setenv(EnvSessionTTL, "120")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvEncryptionKey, "super-secret-master-key")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, int64(1048576), cfg.MaxMessageSize)
	require.Equal(t, 2*time.Minute, cfg.SessionTTL)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "super-secret-master-key", cfg.EncryptionKey)
}

func TestFromEnvMalformedNumbersFallBack(t *testing.T) {
	t.Setenv(EnvMaxMessageSize, "not-a-number")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, int64(defaults.MaxMessageSize), cfg.MaxMessageSize)
}

func TestCheckAndSetDefaultsRejectsBadLevel(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "noisy"}}
	require.Error(t, cfg.CheckAndSetDefaults())
}
