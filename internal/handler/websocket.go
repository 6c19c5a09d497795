package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"fleettrack/internal/domain"
	"fleettrack/internal/hub"
	"fleettrack/internal/ingest"
	"fleettrack/internal/track"
)

// WSHandler serves the persistent bidirectional channel. Driver devices
// submit samples and get acks back on the same connection; viewers join
// rooms and receive derived events.
type WSHandler struct {
	hub        *hub.Hub
	gateway    *ingest.Gateway
	states     *track.Store
	sendBuffer int
	logger     *slog.Logger
}

func NewWSHandler(h *hub.Hub, g *ingest.Gateway, states *track.Store, sendBuffer int, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub:        h,
		gateway:    g,
		states:     states,
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "ws"),
	}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomsPayload struct {
	Rooms []string `json:"rooms"`
}

type AckMessage struct {
	Type    string     `json:"type"`
	Payload ingest.Ack `json:"payload"`
}

type SnapshotMessage struct {
	Type    string          `json:"type"`
	Payload SnapshotPayload `json:"payload"`
}

type SnapshotPayload struct {
	States []track.Snapshot `json:"states"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, h.sendBuffer)

	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload RoomsPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			rooms := validRooms(payload.Rooms)
			if len(rooms) > 0 {
				h.hub.Join(client, rooms)
				h.sendSnapshot(client, rooms)
			}

		case "unsubscribe":
			var payload RoomsPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.Rooms) > 0 {
				h.hub.Leave(client, payload.Rooms)
			}

		case "location":
			var sample domain.LocationSample
			if err := json.Unmarshal(msg.Payload, &sample); err != nil {
				h.sendAck(client, ingest.Ack{Error: domain.ErrInvalidSample.Error()})
				continue
			}
			h.submit(ctx, client, &sample)

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) submit(ctx context.Context, client *hub.Client, sample *domain.LocationSample) {
	submitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ack, err := h.gateway.Submit(submitCtx, sample)
	if err != nil {
		ServerStats.IncSamplesRejected()
	} else {
		ServerStats.IncSamplesAccepted()
	}
	h.sendAck(client, ack)
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendSnapshot gives a new subscriber the current state of every job room
// it joined, so dashboards render immediately instead of waiting for the
// next sample.
func (h *WSHandler) sendSnapshot(client *hub.Client, rooms []string) {
	var states []track.Snapshot
	for _, room := range rooms {
		jobID, ok := hub.JobID(room)
		if !ok {
			continue
		}
		if snap, found := h.states.Get(jobID); found {
			states = append(states, snap)
		}
	}

	msg := SnapshotMessage{
		Type:    "snapshot",
		Payload: SnapshotPayload{States: states},
	}
	h.send(client, msg)
}

func (h *WSHandler) sendAck(client *hub.Client, ack ingest.Ack) {
	ack.Success = ack.Error == ""
	h.send(client, AckMessage{Type: "ack", Payload: ack})
}

func (h *WSHandler) sendPong(client *hub.Client) {
	h.send(client, PongMessage{Type: "pong"})
}

func (h *WSHandler) send(client *hub.Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Debug("send buffer full", "client_id", client.ID)
	}
}

func validRooms(rooms []string) []string {
	out := rooms[:0]
	for _, r := range rooms {
		if hub.ValidRoom(r) {
			out = append(out, r)
		}
	}
	return out
}
