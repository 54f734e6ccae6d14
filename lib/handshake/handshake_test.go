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

package handshake

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestPendingRegisterTake(t *testing.T) {
	t.Parallel()
	p, err := NewPending(PendingConfig{})
	require.NoError(t, err)

	require.NoError(t, p.Register("c1", "s1"))
	require.Equal(t, 1, p.Len())

	rec, err := p.Take("c1")
	require.NoError(t, err)
	require.Equal(t, "c1", rec.ConnectionID)
	require.Equal(t, "s1", rec.SessionID)
	require.Equal(t, 0, p.Len())

	// Take removes: a second take fails.
	_, err = p.Take("c1")
	require.Error(t, err)

	// Unknown ids fail the same way.
	_, err = p.Take("never-registered")
	require.Error(t, err)

	// Empty ids are rejected outright.
	require.Error(t, p.Register("", ""))
}

func TestPendingExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	p, err := NewPending(PendingConfig{TTL: time.Second, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, p.Register("c1", ""))
	clock.Advance(2 * time.Second)

	_, err = p.Take("c1")
	require.Error(t, err, "expired pending connection must not authenticate")
}

func TestPendingSweep(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	p, err := NewPending(PendingConfig{TTL: time.Second, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, p.Register("c1", ""))
	require.NoError(t, p.Register("c2", ""))
	clock.Advance(2 * time.Second)

	require.Equal(t, 2, p.Sweep())
	require.Equal(t, 0, p.Len())
}

func TestPendingTTLFloor(t *testing.T) {
	t.Parallel()
	cfg := PendingConfig{TTL: 10 * time.Millisecond}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, time.Second, cfg.TTL)
}

func TestKeyRingRoundTrip(t *testing.T) {
	t.Parallel()
	ring, err := NewKeyRing([]byte("gateway-master-key"))
	require.NoError(t, err)

	payload := &AuthPayload{
		Address:  "10.0.0.2",
		Username: "u",
		Password: "p",
	}

	sealed, err := ring.Encrypt("k1", payload)
	require.NoError(t, err)

	got, err := ring.Decrypt("k1", sealed)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", got.Address)
	require.Equal(t, "u", got.Username)
	require.Equal(t, "p", got.Password)
	// Defaults applied on decrypt.
	require.Equal(t, 22, got.Port)
	require.Equal(t, "password", got.AuthType)
}

func TestKeyRingWrongKeyID(t *testing.T) {
	t.Parallel()
	ring, err := NewKeyRing([]byte("gateway-master-key"))
	require.NoError(t, err)

	sealed, err := ring.Encrypt("k1", &AuthPayload{Address: "h", Username: "u", Password: "p"})
	require.NoError(t, err)

	// A different keyId derives a different key: authentication must fail.
	_, err = ring.Decrypt("k2", sealed)
	require.Error(t, err)
}

func TestKeyRingMalformed(t *testing.T) {
	t.Parallel()
	ring, err := NewKeyRing([]byte("gateway-master-key"))
	require.NoError(t, err)

	for _, payload := range []string{"", "!!!not base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := ring.Decrypt("k1", payload)
		require.Error(t, err)
	}
}

func TestKeyRingLegacy(t *testing.T) {
	t.Parallel()
	master := []byte("gateway-master-key")
	ring, err := NewKeyRing(master)
	require.NoError(t, err)

	plain, err := json.Marshal(AuthPayload{Address: "h", Username: "u", Password: "p"})
	require.NoError(t, err)

	iv := []byte("0123456789ab")
	ct := make([]byte, len(plain))
	for i := range plain {
		ct[i] = plain[i] ^ master[i%len(master)] ^ iv[i%len(iv)]
	}
	sealed := base64.StdEncoding.EncodeToString(append(append([]byte{}, iv...), ct...))

	// Legacy mode is off by default.
	_, err = ring.Decrypt("legacy", sealed)
	require.Error(t, err)

	ring.EnableLegacy()
	got, err := ring.Decrypt("legacy", sealed)
	require.NoError(t, err)
	require.Equal(t, "h", got.Address)
	require.Equal(t, "u", got.Username)
}

func TestAuthPayloadRedacted(t *testing.T) {
	t.Parallel()

	p := &AuthPayload{
		Address:    strings.Repeat("h", 64),
		Username:   "u",
		AuthType:   "password",
		Password:   "hunter2",
		PrivateKey: "PEM",
	}
	out := p.Redacted()
	require.Equal(t, strings.Repeat("h", 20)+"...", out["address"])
	require.Equal(t, "u", out["username"])
	require.Equal(t, "<redacted>", out["password"])
	require.Equal(t, "<redacted>", out["privateKey"])
	require.NotContains(t, out, "passphrase")
}

func TestAuthPayloadValidation(t *testing.T) {
	t.Parallel()

	p := &AuthPayload{Username: "u"}
	require.Error(t, p.CheckAndSetDefaults(), "address is required")

	p = &AuthPayload{Address: "h"}
	require.Error(t, p.CheckAndSetDefaults(), "username is required")
}
