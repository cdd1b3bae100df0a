package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ottlab/streamd/internal/fanout"
	"go.uber.org/zap"
)

// SubscriptionsHandler bridges websocket clients onto the fanout: each
// connection is one subscriber issuing follow/unfollow commands and
// receiving snapshot frames at the push cadence.
type SubscriptionsHandler struct {
	log    *zap.Logger
	fanout *fanout.Fanout

	upgrader websocket.Upgrader
}

// NewSubscriptionsHandler constructs the handler.
func NewSubscriptionsHandler(log *zap.Logger, f *fanout.Fanout) *SubscriptionsHandler {
	return &SubscriptionsHandler{
		log:    log.Named("subscriptions_handler"),
		fanout: f,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // fronted by the proxy
		},
	}
}

// wsCommand is one inbound subscription verb.
type wsCommand struct {
	Action    string `json:"action"` // follow_channel | follow_all | unfollow_channel | unfollow_all
	ChannelID string `json:"channel_id,omitempty"`
}

// wsSink serializes snapshot pushes onto one websocket connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(snapshots []fanout.Snapshot) error {
	payload, err := json.Marshal(gin.H{"type": "snapshot", "data": snapshots})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Serve handles GET /api/ws. The connection lives until the client goes
// away; its fanout subscriber (and all follow timers) are drained on exit.
func (h *SubscriptionsHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	h.fanout.Connect(subID, &wsSink{conn: conn})
	defer h.fanout.Disconnect(subID)

	h.log.Debug("subscriber connected", zap.String("subscriber", subID))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug("subscriber disconnected", zap.String("subscriber", subID))
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "follow_channel":
			if cmd.ChannelID != "" {
				h.fanout.FollowChannel(subID, cmd.ChannelID)
			}
		case "follow_all":
			h.fanout.FollowAll(subID)
		case "unfollow_channel":
			if cmd.ChannelID != "" {
				h.fanout.Unfollow(subID, cmd.ChannelID)
			}
		case "unfollow_all":
			h.fanout.UnfollowAll(subID)
		}
	}
}
