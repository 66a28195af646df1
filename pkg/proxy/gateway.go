package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/metrics"
)

// Close codes handed to the browser. 4xxx keeps them clear of the
// reserved websocket range.
const (
	CloseBadRequest     = 4400 // malformed URL or missing token
	CloseUnauthorized   = 4401 // token rejected
	CloseUpstreamFailed = 4502 // PTY endpoint unreachable
	CloseContainerNotUp = 4503 // container not running
)

const (
	upstreamDialTimeout = 5 * time.Second
	writeTimeout        = 10 * time.Second
)

// ContainerAddress resolves a project's container IP on its bridge
// network. Fails when the container is absent or not running.
type ContainerAddress interface {
	GetContainerIP(ctx context.Context, projectID string) (string, error)
}

// TokenValidator checks a token against a project.
type TokenValidator interface {
	Validate(ctx context.Context, token, projectID string) (string, error)
}

// Gateway terminates browser websockets and relays them to the ttyd
// endpoint inside the project's container. Every inbound frame is
// audited before being forwarded.
type Gateway struct {
	validator  TokenValidator
	containers ContainerAddress
	audit      *AuditLogger
	ptyPort    int
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewGateway builds the terminal gateway.
func NewGateway(validator TokenValidator, containers ContainerAddress, audit *AuditLogger, listenAddr string, ptyPort int) *Gateway {
	g := &Gateway{
		validator:  validator,
		containers: containers,
		audit:      audit,
		ptyPort:    ptyPort,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			// Token auth makes origin checks redundant.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/terminal/{id}", g.handleTerminal)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	router.Handle("/metrics", metrics.Handler())

	g.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     router,
		ReadTimeout: 0, // websocket sessions are long-lived
	}
	return g
}

// Start blocks serving until Shutdown or failure.
func (g *Gateway) Start() error {
	logger := log.WithComponent("proxy")
	logger.Info().Str("addr", g.httpServer.Addr).Msg("terminal gateway listening")
	if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections. Live sessions are cut.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.httpServer.Shutdown(ctx)
}

func (g *Gateway) handleTerminal(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("proxy")

	client, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer client.Close()

	projectID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")
	if _, err := uuid.Parse(projectID); err != nil || token == "" {
		g.reject(client, CloseBadRequest, "bad request")
		return
	}

	userID, err := g.validator.Validate(r.Context(), token, projectID)
	if err != nil {
		metrics.TerminalConnectsTotal.WithLabelValues("unauthorized").Inc()
		g.reject(client, CloseUnauthorized, "unauthorized")
		return
	}

	ip, err := g.containers.GetContainerIP(r.Context(), projectID)
	if err != nil {
		metrics.TerminalConnectsTotal.WithLabelValues("not_running").Inc()
		g.reject(client, CloseContainerNotUp, "container not running")
		return
	}

	upstreamURL := fmt.Sprintf("ws://%s:%d/ws", ip, g.ptyPort)
	dialer := websocket.Dialer{HandshakeTimeout: upstreamDialTimeout}
	upstream, resp, err := dialer.DialContext(r.Context(), upstreamURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		logger.Error().Err(err).
			Str("project_id", projectID).
			Str("upstream", upstreamURL).
			Msg("failed to reach pty endpoint")
		metrics.TerminalConnectsTotal.WithLabelValues("upstream_failed").Inc()
		g.reject(client, CloseUpstreamFailed, "terminal unavailable")
		return
	}
	defer upstream.Close()

	metrics.TerminalConnectsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveTerminalSessions.Inc()
	defer metrics.ActiveTerminalSessions.Dec()

	logger.Info().
		Str("project_id", projectID).
		Str("user_id", userID).
		Msg("terminal session opened")

	g.relay(client, upstream, projectID, userID)

	logger.Info().
		Str("project_id", projectID).
		Str("user_id", userID).
		Msg("terminal session closed")
}

// relay pumps frames both ways until either side drops, preserving
// message types. Only the browser-to-container direction is audited.
func (g *Gateway) relay(client, upstream *websocket.Conn, projectID, userID string) {
	var eg errgroup.Group

	eg.Go(func() error {
		defer upstream.Close()
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return err
			}
			g.audit.RecordInput(projectID, userID, data)
			upstream.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := upstream.WriteMessage(msgType, data); err != nil {
				return err
			}
		}
	})

	eg.Go(func() error {
		defer client.Close()
		for {
			msgType, data, err := upstream.ReadMessage()
			if err != nil {
				return err
			}
			client.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.WriteMessage(msgType, data); err != nil {
				return err
			}
		}
	})

	// Both goroutines exit once either leg breaks; the error itself is
	// just normal session teardown.
	_ = eg.Wait()
}

// reject closes the websocket with an application close code.
func (g *Gateway) reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
