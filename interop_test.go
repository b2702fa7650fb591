package wsdial_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	coderws "github.com/coder/websocket"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xnetws "golang.org/x/net/websocket"

	"github.com/picatz/wsdial"
)

func ExampleDial() {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	// Create an HTTP test server that upgrades connections
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
	}))
	defer server.Close()

	// Convert the server URL to a WebSocket URL
	wsURL := "ws" + server.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	conn, err := wsdial.Dial(ctx, wsURL)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	fmt.Printf("fragment size: %d\n", conn.FragmentSize())
	// Output:
	// fragment size: 4096
}

func TestDialGorillaServer(t *testing.T) {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(gorillaws.TextMessage, []byte("hello")); err != nil {
			t.Errorf("WriteMessage failed: %v", err)
		}
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	conn, err := wsdial.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer conn.Close()

	// A server-to-client text frame arrives unmasked: FIN with the text
	// opcode, the payload length, then the payload itself.
	frame := make([]byte, 7)
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)
	assert.Equal(t, byte(0x81), frame[0])
	assert.Equal(t, byte(0x05), frame[1])
	assert.Equal(t, "hello", string(frame[2:]))
}

func TestDialGorillaServerTLS(t *testing.T) {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(gorillaws.BinaryMessage, []byte{1, 2, 3}); err != nil {
			t.Errorf("WriteMessage failed: %v", err)
		}
	}))
	defer server.Close()

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	wsURL := "wss" + server.URL[len("https"):]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	conn, err := wsdial.Dial(ctx, wsURL, wsdial.WithTLSConfig(&tls.Config{RootCAs: pool}))
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 5)
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x03, 1, 2, 3}, frame)
}

func TestDialGorillaServerAuth(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		conn.Close()
	}))
	defer server.Close()

	wsURL := "ws://user:pass@" + server.URL[len("http://"):] + "/stream"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	conn, err := wsdial.Dial(ctx, wsURL, wsdial.WithHeader("X-Request-Id", "42"))
	require.NoError(t, err)
	conn.Close()

	header := <-headerCh
	assert.Equal(t, "Basic dXNlcjpwYXNz", header.Get("Authorization"))
	assert.Equal(t, "42", header.Get("X-Request-Id"))
	assert.Equal(t, wsdial.DefaultUserAgent, header.Get("User-Agent"))
}

func TestDialCoderServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := coderws.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		defer conn.CloseNow()
		if err := conn.Write(r.Context(), coderws.MessageText, []byte("hi")); err != nil {
			t.Errorf("Write failed: %v", err)
		}
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	conn, err := wsdial.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 4)
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x02, 'h', 'i'}, frame)
}

func TestDialXNetServer(t *testing.T) {
	server := httptest.NewServer(xnetws.Handler(func(ws *xnetws.Conn) {
		if _, err := ws.Write([]byte("ok")); err != nil {
			t.Errorf("Write failed: %v", err)
		}
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	// The x/net handshake rejects requests without an Origin header.
	_, err := wsdial.Dial(ctx, wsURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, wsdial.ErrBadHandshake)

	conn, err := wsdial.Dial(ctx, wsURL, wsdial.WithOrigin(server.URL))
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 4)
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x02, 'o', 'k'}, frame)
}
