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

package web

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/webssh/gateway/lib/handshake"
	"github.com/webssh/gateway/lib/protocol"
	"github.com/webssh/gateway/lib/session"
)

type testGateway struct {
	srv      *httptest.Server
	server   *Server
	pending  *handshake.Pending
	registry *session.Registry
	keys     *handshake.KeyRing
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	registry, err := session.NewRegistry(session.RegistryConfig{})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	pending, err := handshake.NewPending(handshake.PendingConfig{})
	require.NoError(t, err)

	keys, err := handshake.NewKeyRing([]byte("test-master-key-for-unit-tests!!"))
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{
		Registry: registry,
		Pending:  pending,
		Keys:     keys,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &testGateway{srv: srv, server: server, pending: pending, registry: registry, keys: keys}
}

func (g *testGateway) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any, requestID string) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, data)
	require.NoError(t, err)
	env.RequestID = requestID
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseEnvelope(raw)
	require.NoError(t, err)
	return env
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorDetail {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	var detail protocol.ErrorDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	return detail
}

func TestUnsupportedTypeRejected(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, "bogus", map[string]string{}, "r1")
	detail := readError(t, conn)
	require.Equal(t, protocol.CodeUnsupportedType, detail.ErrorCode)
}

func TestConnectMissingFields(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypeConnect, map[string]any{}, "r1")
	detail := readError(t, conn)
	require.Equal(t, protocol.CodeMissingField, detail.ErrorCode)
	require.Contains(t, detail.ErrorMessage, "address")
}

func TestSecureConnectRegistersPending(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypeConnect, map[string]string{
		"sessionId":    "s2",
		"connectionId": "c2",
	}, "r1")

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeConnectionRegistered, env.Type)
	require.Equal(t, "r1", env.RequestID)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	require.Equal(t, "need_auth", reply["status"])
	require.Equal(t, "c2", reply["connectionId"])
	require.Equal(t, 1, g.pending.Len())
}

func TestSecureConnectKnownSessionReportsReconnected(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	// The session survived an earlier detach.
	_, err := g.registry.Open("s7")
	require.NoError(t, err)
	g.registry.Detach("s7")

	send(t, conn, protocol.TypeConnect, map[string]string{
		"sessionId":    "s7",
		"connectionId": "c7",
	}, "r1")

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeConnectionRegistered, env.Type)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	require.Equal(t, "reconnected", reply["status"])
}

func TestAuthenticateReattachesExistingSession(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	_, err := g.registry.Open("s8")
	require.NoError(t, err)
	g.registry.Detach("s8")

	send(t, conn, protocol.TypeConnect, map[string]string{
		"sessionId":    "s8",
		"connectionId": "c8",
	}, "r1")
	readEnvelope(t, conn)

	sealed, err := g.keys.Encrypt("k1", &handshake.AuthPayload{
		Address:  "10.0.0.9",
		Username: "u",
		Password: "p",
	})
	require.NoError(t, err)
	send(t, conn, protocol.TypeAuthenticate, map[string]string{
		"connectionId":     "c8",
		"sessionId":        "s8",
		"encryptedPayload": sealed,
		"keyId":            "k1",
	}, "r2")

	// The live session reattaches instead of dialing a fresh connection.
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeConnected, env.Type)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	require.Equal(t, "s8", reply["sessionId"])

	sess, err := g.registry.Lookup("s8")
	require.NoError(t, err)
	require.NotNil(t, sess.Channel())
}

func TestAuthenticateUnknownConnectionID(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypeAuthenticate, map[string]string{
		"connectionId":     "never-registered",
		"encryptedPayload": base64.StdEncoding.EncodeToString([]byte("junk")),
		"keyId":            "k1",
	}, "r1")

	detail := readError(t, conn)
	require.Equal(t, protocol.CodeInvalidConnection, detail.ErrorCode)
}

func TestAuthenticateDecryptFailure(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypeConnect, map[string]string{"connectionId": "c9"}, "r1")
	readEnvelope(t, conn)

	send(t, conn, protocol.TypeAuthenticate, map[string]string{
		"connectionId":     "c9",
		"encryptedPayload": base64.StdEncoding.EncodeToString([]byte("garbage that will not decrypt")),
		"keyId":            "k1",
	}, "r2")

	detail := readError(t, conn)
	require.Equal(t, protocol.CodeDecryptFailed, detail.ErrorCode)
	// The one-shot connection id was consumed.
	require.Equal(t, 0, g.pending.Len())
}

func TestMalformedBinaryFrame(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	detail := readError(t, conn)
	require.Equal(t, protocol.CodeInvalidMessage, detail.ErrorCode)
}

func TestBinaryFrameUnknownSession(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	raw, err := protocol.EncodeBinary(protocol.BinaryFrame{
		Tag:       protocol.TagInput,
		SessionID: "ghost",
		Payload:   []byte("ls\n"),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))

	detail := readError(t, conn)
	require.Equal(t, protocol.CodeNotFound, detail.ErrorCode)
}

func TestReconnectUnknownSession(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypeConnect, map[string]string{"sessionId": "gone-forever"}, "r1")
	detail := readError(t, conn)
	require.Equal(t, protocol.CodeNotFound, detail.ErrorCode)
}

func TestInboundFramesRefreshActivity(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	_, err := g.registry.Open("s9")
	require.NoError(t, err)
	g.registry.Detach("s9")

	send(t, conn, protocol.TypeConnect, map[string]string{"sessionId": "s9"}, "r1")
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeConnected, env.Type)

	sess, err := g.registry.Lookup("s9")
	require.NoError(t, err)
	before := sess.LastActivity()

	// Any inbound frame counts, even one that fails validation.
	send(t, conn, "bogus", map[string]string{}, "r2")
	readError(t, conn)

	require.Eventually(t, func() bool {
		return sess.LastActivity().After(before)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSplitAddress(t *testing.T) {
	t.Parallel()

	host, port := splitAddress("10.0.0.2", 22)
	require.Equal(t, "10.0.0.2", host)
	require.Equal(t, 22, port)

	host, port = splitAddress("10.0.0.2:2222", 22)
	require.Equal(t, "10.0.0.2", host)
	require.Equal(t, 2222, port)

	// Unparseable ports leave the address alone.
	host, port = splitAddress("10.0.0.2:banana", 22)
	require.Equal(t, "10.0.0.2:banana", host)
	require.Equal(t, 22, port)
}

func TestPingUnknownSession(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypePing, map[string]string{"sessionId": "ghost"}, "r1")
	detail := readError(t, conn)
	require.Equal(t, protocol.CodeNotFound, detail.ErrorCode)
}

func TestUnknownPathDestroyed(t *testing.T) {
	g := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/nope"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// The server refused the upgrade outright, also acceptable.
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestMonitorStubAcceptsAndCloses(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/monitor")

	// The stub drains frames without answering.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.Close())
}

func TestOversizedRequestID(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "/ssh")

	send(t, conn, protocol.TypePing, map[string]string{"sessionId": "s1"}, strings.Repeat("r", 65))
	detail := readError(t, conn)
	require.Equal(t, protocol.CodeInvalidField, detail.ErrorCode)
}
