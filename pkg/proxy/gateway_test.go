package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/sandboxd/pkg/types"
)

type fakeValidator struct {
	userID string
	err    error
}

func (f *fakeValidator) Validate(ctx context.Context, token, projectID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

type fakeContainers struct {
	ip  string
	err error
}

func (f *fakeContainers) GetContainerIP(ctx context.Context, projectID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.ip, nil
}

func newTestAudit(t *testing.T) *AuditLogger {
	t.Helper()
	audit, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })
	return audit
}

// startEcho runs a websocket echo endpoint at /ws on a loopback port
// and returns that port.
func startEcho(t *testing.T) int {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// dialGateway connects a client to the gateway under test and returns
// the close code observed, or the open connection.
func dialGateway(t *testing.T, g *Gateway, path string) (*websocket.Conn, int) {
	t.Helper()
	srv := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to dial gateway: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		conn.Close()
		return nil, closeErr.Code
	}
	require.NoError(t, err)
	return conn, 0
}

func TestTerminalRejectsMissingToken(t *testing.T) {
	g := NewGateway(&fakeValidator{userID: "u1"}, &fakeContainers{ip: "127.0.0.1"}, newTestAudit(t), ":0", 7681)
	_, code := dialGateway(t, g, "/terminal/"+types.NewID().String())
	assert.Equal(t, CloseBadRequest, code)
}

func TestTerminalRejectsMalformedProjectID(t *testing.T) {
	g := NewGateway(&fakeValidator{userID: "u1"}, &fakeContainers{ip: "127.0.0.1"}, newTestAudit(t), ":0", 7681)
	_, code := dialGateway(t, g, "/terminal/not-a-uuid?token=x")
	assert.Equal(t, CloseBadRequest, code)
}

func TestTerminalRejectsBadToken(t *testing.T) {
	g := NewGateway(&fakeValidator{err: types.Unauthorized("no")}, &fakeContainers{ip: "127.0.0.1"}, newTestAudit(t), ":0", 7681)
	_, code := dialGateway(t, g, "/terminal/"+types.NewID().String()+"?token=x")
	assert.Equal(t, CloseUnauthorized, code)
}

func TestTerminalRejectsStoppedContainer(t *testing.T) {
	g := NewGateway(&fakeValidator{userID: "u1"},
		&fakeContainers{err: types.InvalidState("container is not running")},
		newTestAudit(t), ":0", 7681)
	_, code := dialGateway(t, g, "/terminal/"+types.NewID().String()+"?token=x")
	assert.Equal(t, CloseContainerNotUp, code)
}

func TestTerminalUpstreamUnreachable(t *testing.T) {
	// Nothing listens on this port.
	g := NewGateway(&fakeValidator{userID: "u1"}, &fakeContainers{ip: "127.0.0.1"}, newTestAudit(t), ":0", 1)
	_, code := dialGateway(t, g, "/terminal/"+types.NewID().String()+"?token=x")
	assert.Equal(t, CloseUpstreamFailed, code)
}

func TestTerminalRelayAndAudit(t *testing.T) {
	port := startEcho(t)
	audit := newTestAudit(t)
	projectID := types.NewID().String()

	g := NewGateway(&fakeValidator{userID: "u1"}, &fakeContainers{ip: "127.0.0.1"}, audit, ":0", port)

	srv := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/terminal/" + projectID + "?token=x"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls -la\r")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "ls -la\r", string(data))

	// Inbound keystrokes land in the audit trail.
	require.Eventually(t, func() bool {
		entries, err := audit.Entries(projectID)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := audit.Entries(projectID)
	require.NoError(t, err)
	assert.Equal(t, "terminal_input", entries[0].Event)
	assert.Equal(t, projectID, entries[0].ProjectID)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "ls -la\r", entries[0].Content)
}

func TestAuditEntriesOrdered(t *testing.T) {
	audit := newTestAudit(t)

	audit.RecordInput("p1", "u1", []byte("first"))
	audit.RecordInput("p1", "u1", []byte("second"))
	audit.RecordInput("p2", "u1", []byte("other project"))

	entries, err := audit.Entries("p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Content)
	assert.Equal(t, "second", entries[1].Content)

	entries, err = audit.Entries("p2")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = audit.Entries("unknown")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
