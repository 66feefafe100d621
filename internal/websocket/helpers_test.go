package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is the far end of a test socket. It records every text frame and the
// close frame it receives.
type peer struct {
	messages chan []byte
	closed   chan *websocket.CloseError
}

func (p *peer) nextMessage(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-p.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (p *peer) closeFrame(t *testing.T) *websocket.CloseError {
	t.Helper()
	select {
	case ce := <-p.closed:
		return ce
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close frame")
		return nil
	}
}

// newTestSocket dials a throwaway server and returns the client side of the
// socket along with the server-side peer.
func newTestSocket(t *testing.T) (*websocket.Conn, *peer) {
	t.Helper()
	p := &peer{
		messages: make(chan []byte, 16),
		closed:   make(chan *websocket.CloseError, 1),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					p.closed <- ce
				}
				return
			}
			p.messages <- data
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, p
}

// newStalledSocket dials a server that never reads, so writes eventually
// block once the kernel buffers fill.
func newStalledSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}
