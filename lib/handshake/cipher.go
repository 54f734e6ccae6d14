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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"

	"github.com/webssh/gateway/lib/utils"
)

const gcmNonceSize = 12

// AuthPayload is the decrypted body of an authenticate message.
type AuthPayload struct {
	Address    string `json:"address"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	AuthType   string `json:"authType,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// CheckAndSetDefaults validates the payload and fills defaults.
func (p *AuthPayload) CheckAndSetDefaults() error {
	if p.Address == "" {
		return trace.BadParameter("address is required")
	}
	if p.Username == "" {
		return trace.BadParameter("username is required")
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.AuthType == "" {
		p.AuthType = "password"
	}
	return nil
}

// KeyRing derives per-keyId AES-GCM keys from the gateway master key. The
// client-supplied keyId indexes the ring, so key rotation is a matter of
// clients moving to a fresh id.
type KeyRing struct {
	master []byte
	// legacy enables the deprecated XOR handover scheme for old clients.
	legacy bool
}

// NewKeyRing builds a key ring around the gateway master key.
func NewKeyRing(master []byte) (*KeyRing, error) {
	if len(master) == 0 {
		return nil, trace.BadParameter("encryption key is required")
	}
	return &KeyRing{master: master}, nil
}

// EnableLegacy turns on the deprecated XOR scheme for the "legacy" keyId.
func (r *KeyRing) EnableLegacy() { r.legacy = true }

// deriveKey expands the master key into a 32-byte AES key bound to keyID.
func (r *KeyRing) deriveKey(keyID string) ([]byte, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, r.master, nil, []byte(keyID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// Decrypt opens a base64 nonce||ciphertext payload with the key derived
// for keyID and parses the credential JSON.
func (r *KeyRing) Decrypt(keyID, encryptedPayload string) (*AuthPayload, error) {
	if keyID == "legacy" && r.legacy {
		return r.decryptLegacy(encryptedPayload)
	}

	raw, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return nil, trace.BadParameter("cannot decrypt auth payload: invalid base64")
	}
	if len(raw) < gcmNonceSize+1 {
		return nil, trace.BadParameter("cannot decrypt auth payload: too short")
	}

	key, err := r.deriveKey(keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	plain, err := aead.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return nil, trace.AccessDenied("cannot decrypt auth payload")
	}
	return parsePayload(plain)
}

// Encrypt seals a payload for keyID; the inverse of Decrypt, used by
// clients and tests.
func (r *KeyRing) Encrypt(keyID string, payload *AuthPayload) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	key, err := r.deriveKey(keyID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", trace.Wrap(err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", trace.Wrap(err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptLegacy handles the deprecated IV-keyed XOR scheme: base64 of
// IV(12) || ciphertext where plain[i] = ct[i] ^ key[i%kl] ^ iv[i%il].
// It is unauthenticated and kept only for pre-rotation clients.
func (r *KeyRing) decryptLegacy(encryptedPayload string) (*AuthPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return nil, trace.BadParameter("cannot decrypt auth payload: invalid base64")
	}
	if len(raw) < gcmNonceSize+1 {
		return nil, trace.BadParameter("cannot decrypt auth payload: too short")
	}
	iv, ct := raw[:gcmNonceSize], raw[gcmNonceSize:]

	plain := make([]byte, len(ct))
	for i := range ct {
		plain[i] = ct[i] ^ r.master[i%len(r.master)] ^ iv[i%len(iv)]
	}
	return parsePayload(plain)
}

func parsePayload(plain []byte) (*AuthPayload, error) {
	var payload AuthPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, trace.BadParameter("cannot decrypt auth payload: malformed credentials")
	}
	if err := payload.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &payload, nil
}

// Redacted returns a loggable description of the payload with secrets
// truncated.
func (p *AuthPayload) Redacted() map[string]string {
	out := map[string]string{
		"address":  utils.TruncateSecret(p.Address),
		"username": utils.TruncateSecret(p.Username),
		"authType": p.AuthType,
	}
	if p.Password != "" {
		out["password"] = "<redacted>"
	}
	if p.PrivateKey != "" {
		out["privateKey"] = "<redacted>"
	}
	return out
}
