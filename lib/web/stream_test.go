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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/webssh/gateway/lib/protocol"
)

// wsPair returns a connected server-side stream and client-side conn.
func wsPair(t *testing.T) (*Stream, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	streamCh := make(chan *Stream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream, err := NewStream(StreamConfig{Conn: conn})
		if err != nil {
			conn.Close()
			return
		}
		streamCh <- stream
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case stream := <-streamCh:
		t.Cleanup(func() { stream.Close() })
		return stream, client
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket upgrade")
		return nil, nil
	}
}

func TestStreamWriteEnvelope(t *testing.T) {
	t.Parallel()

	stream, client := wsPair(t)

	env, err := protocol.NewEnvelope(protocol.TypePong, map[string]string{"sessionId": "s1"})
	require.NoError(t, err)
	require.NoError(t, stream.WriteEnvelope(env))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	got, err := protocol.ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePong, got.Type)
}

func TestStreamWriteBinary(t *testing.T) {
	t.Parallel()

	stream, client := wsPair(t)

	require.NoError(t, stream.WriteBinary(protocol.BinaryFrame{
		Tag:       protocol.TagOutput,
		SessionID: "s1",
		Payload:   []byte("hello"),
	}))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)

	frame, err := protocol.DecodeBinary(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TagOutput, frame.Tag)
	require.Equal(t, "s1", frame.SessionID)
	require.Equal(t, []byte("hello"), frame.Payload)
}

func TestStreamBufferedDrains(t *testing.T) {
	t.Parallel()

	stream, client := wsPair(t)
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		require.NoError(t, stream.WriteBinary(protocol.BinaryFrame{
			Tag:       protocol.TagOutput,
			SessionID: "s1",
			Payload:   []byte("chunk"),
		}))
	}
	require.Eventually(t, func() bool {
		return stream.Buffered() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamCloseIdempotent(t *testing.T) {
	t.Parallel()

	stream, _ := wsPair(t)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	require.False(t, stream.Open())

	env, err := protocol.NewEnvelope(protocol.TypePong, nil)
	require.NoError(t, err)
	require.Error(t, stream.WriteEnvelope(env))
}
