package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exo-hmi/hmi/internal/auth"
	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 2 * wsPingPeriod
	wsMaxMessage = 4096
)

// wsMessage is a command sent by the dashboard over the socket.
type wsMessage struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Axis   string `json:"axis,omitempty"`
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`
}

// wsAck answers one wsMessage.
type wsAck struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Result  string `json:"result"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWebSocket handles GET /ws. Hub events stream out as {id,type,data};
// inbound messages are motion commands answered with an ack.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry hub not available", nil)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := s.telemetryHub.Attach(ctx, r.URL.Query().Get("device"))
	s.recordClients(0)
	defer func() {
		s.telemetryHub.Detach(client)
		s.recordClients(0)
	}()

	go s.wsReadLoop(ctx, cancel, conn)
	s.wsWriteLoop(ctx, conn, client)
}

func (s *Server) wsWriteLoop(ctx context.Context, conn *wsConn, client *telemetry.Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Context.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			out := map[string]interface{}{
				"id":   event.ID,
				"type": event.Type,
				"data": event.Data,
			}
			if err := conn.writeJSON(out); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *wsConn) {
	defer cancel()

	raw := conn.conn
	raw.SetReadLimit(wsMaxMessage)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ack := wsAck{Type: "ack", Result: "error", Code: "BAD_REQUEST", Message: "malformed JSON"}
			if conn.writeJSON(ack) != nil {
				return
			}
			continue
		}

		if err := conn.writeJSON(s.handleWSCommand(ctx, msg)); err != nil {
			return
		}
	}
}

// handleWSCommand runs one inbound command. The control scope is checked per
// message since the socket itself only needs telemetry access.
func (s *Server) handleWSCommand(ctx context.Context, msg wsMessage) wsAck {
	ack := wsAck{Type: "ack", ID: msg.ID, Result: "ok"}

	if claims, ok := auth.ClaimsFromContext(ctx); ok && !auth.HasScopes(claims, auth.ScopeControl) {
		ack.Result, ack.Code, ack.Message = "error", "FORBIDDEN", "Insufficient permissions"
		return ack
	}

	if err := s.runWSCommand(ctx, msg); err != nil {
		ack.Result = "error"
		ack.Code = ErrorCode(err)
		ack.Message = err.Error()
	}
	return ack
}

func (s *Server) runWSCommand(ctx context.Context, msg wsMessage) error {
	if s.dispatcher == nil {
		return device.ErrDisconnected
	}

	kind := strings.ToLower(msg.Type)
	if kind == "" {
		// Bare {axis, action} messages are manual jogs.
		kind = "manual"
	}

	switch kind {
	case "manual":
		axis, err := command.ParseAxis(msg.Axis)
		if err != nil {
			return err
		}
		action, err := command.ParseAction(msg.Action)
		if err != nil {
			return err
		}
		return s.dispatcher.Manual(ctx, axis, action)
	case "home":
		target, err := command.ParseHomeTarget(msg.Target)
		if err != nil {
			return err
		}
		return s.dispatcher.Home(ctx, target)
	case "control":
		action, err := command.ParseControlAction(msg.Action)
		if err != nil {
			return err
		}
		return s.dispatcher.Control(ctx, action)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Type)
	}
}
