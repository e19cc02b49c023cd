// Package ws serves observer websocket sessions. Every session is a
// world connection: it receives the entity snapshots and destroy notices of
// the groups it subscribes to.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"entity-scale/server/internal/loop"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
	"entity-scale/server/logging/lifecycle"
	"entity-scale/server/logging/network"
)

// ProtocolVersion is reported in every control reply.
const ProtocolVersion = 1

// ErrDuplicateConnection rejects a second session with an id in use.
var ErrDuplicateConnection = errors.New("ws: connection id already in use")

// Caller runs functions on the loop goroutine.
type Caller interface {
	Call(ctx context.Context, typ loop.CommandType, source string, fn func() error) error
	Tick() uint64
}

type clientMessage struct {
	Ver    int     `json:"ver,omitempty"`
	Type   string  `json:"type"`
	Group  *uint64 `json:"group,omitempty"`
	SentAt int64   `json:"sentAt"`
}

type ackMessage struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Command string `json:"command"`
	Group   uint64 `json:"group"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
}

type heartbeatMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	Sequence   uint32 `json:"seq"`
}

type HandlerConfig struct {
	Logger       telemetry.Logger
	Publisher    logging.Publisher
	WriteTimeout time.Duration
}

type Handler struct {
	world        *world.World
	loop         Caller
	logger       telemetry.Logger
	publisher    logging.Publisher
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func NewHandler(w *world.World, l Caller, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		world:        w,
		loop:         l,
		logger:       logger,
		publisher:    cfg.Publisher,
		writeTimeout: writeTimeout,
		upgrader:     upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		nethttp.Error(w, "missing id", nethttp.StatusBadRequest)
		return
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || parsed == 0 {
		nethttp.Error(w, "invalid id", nethttp.StatusBadRequest)
		return
	}
	id := world.ConnectionID(parsed)
	source := "ws:" + raw

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %d: %v", id, err)
		return
	}
	session := newSession(id, conn, h.writeTimeout)

	// Connecting subscribes to the global group, which sends its entities
	// before the call returns.
	err = h.loop.Call(r.Context(), loop.CommandConnect, source, func() error {
		if _, exists := h.world.Connection(id); exists {
			return ErrDuplicateConnection
		}
		h.world.Connect(session)
		return nil
	})
	if err != nil {
		h.logger.Printf("connect %d rejected: %v", id, err)
		session.Close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	actor := connectionRef(id)
	lifecycle.ObserverConnected(r.Context(), h.publisher, h.loop.Tick(), actor, lifecycle.ObserverConnectedPayload{RemoteAddr: r.RemoteAddr}, nil)
	reason := "closed"
	defer func() {
		h.disconnect(id, source)
		lifecycle.ObserverDisconnected(context.Background(), h.publisher, h.loop.Tick(), actor, lifecycle.ObserverDisconnectedPayload{Reason: reason}, nil)
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			session.Close(websocket.CloseNormalClosure, "")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Printf("discarding malformed message from %d: %v", id, err)
			continue
		}

		var reply any
		switch msg.Type {
		case "subscribe", "unsubscribe":
			if msg.Group == nil {
				reply = ackMessage{Ver: ProtocolVersion, Type: "ack", Command: msg.Type, Reason: "missing group"}
				break
			}
			reply = h.subscription(r.Context(), session, source, msg.Type, world.GroupID(*msg.Group))
		case "heartbeat":
			reply = heartbeatMessage{
				Ver:        ProtocolVersion,
				Type:       "heartbeat",
				ServerTime: time.Now().UnixMilli(),
				ClientTime: msg.SentAt,
				Sequence:   session.LastEntityUpdate(),
			}
		default:
			h.logger.Printf("unknown message type %q from %d", msg.Type, id)
			continue
		}

		data, err := json.Marshal(reply)
		if err != nil {
			h.logger.Printf("failed to marshal response for %d: %v", id, err)
			continue
		}
		if err := session.WriteMessage(websocket.TextMessage, data); err != nil {
			reason = "write failed"
			session.Close(websocket.CloseGoingAway, "")
			return
		}
	}
}

func (h *Handler) subscription(ctx context.Context, session *Session, source, command string, group world.GroupID) ackMessage {
	ack := ackMessage{Ver: ProtocolVersion, Type: "ack", Command: command, Group: uint64(group)}
	typ := loop.CommandSubscribe
	if command == "unsubscribe" {
		typ = loop.CommandUnsubscribe
	}
	err := h.loop.Call(ctx, typ, source, func() error {
		if command == "unsubscribe" {
			ack.OK = h.world.Unsubscribe(session, group)
		} else {
			ack.OK = h.world.Subscribe(session, group)
		}
		return nil
	})
	payload := network.GroupPayload{Command: command, Group: uint64(group), Changed: ack.OK}
	if err != nil {
		ack.OK = false
		ack.Reason = err.Error()
		payload.Changed = false
		payload.Reason = ack.Reason
		network.GroupRejected(ctx, h.publisher, h.loop.Tick(), connectionRef(session.ID()), payload, nil)
		return ack
	}
	network.GroupChanged(ctx, h.publisher, h.loop.Tick(), connectionRef(session.ID()), payload, nil)
	return ack
}

func connectionRef(id world.ConnectionID) logging.EntityRef {
	return logging.EntityRef{ID: strconv.FormatUint(uint64(id), 10), Kind: logging.EntityKindConnection}
}

func (h *Handler) disconnect(id world.ConnectionID, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.loop.Call(ctx, loop.CommandDisconnect, source, func() error {
		h.world.Disconnect(id)
		return nil
	})
	if err != nil {
		h.logger.Printf("%v", fmt.Errorf("disconnect %d: %w", id, err))
	}
}
