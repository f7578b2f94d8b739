package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
)

// WSHandler is the websocket transport of the live update channel. Frames
// carry the same LiveMessage payloads as the SSE transport.
type WSHandler struct {
	groups   interfaces.GroupStorage
	ledger   interfaces.LedgerService
	config   *common.Config
	logger   arbor.ILogger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(storage interfaces.StorageManager, ledger interfaces.LedgerService, config *common.Config, logger arbor.ILogger) *WSHandler {
	return &WSHandler{
		groups: storage.GroupStorage(),
		ledger: ledger,
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeUnauthorized upgrades, sends a single unauthorized frame, and
// closes.
func (h *WSHandler) ServeUnauthorized(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.WriteJSON(&LiveMessage{Type: MessageUnauthorized})
}

// Serve streams updates for an already-authorized group.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, group *models.TaskGroup) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so close frames are processed and the read side
	// notices a disconnect.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	sub := newSubscription(h.groups, h.ledger, group.ID)

	view, err := sub.refresh(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("group_id", group.ID).Msg("Failed to load initial view")
		return
	}
	if err := conn.WriteJSON(&LiveMessage{Type: MessageInitial, Data: view}); err != nil {
		return
	}
	if done := sub.snapshotState(view); done {
		conn.WriteJSON(&LiveMessage{Type: MessageComplete})
		return
	}

	ticker := time.NewTicker(h.config.Tracker.LiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			return
		case <-ticker.C:
			messages, done, err := sub.diff(ctx)
			if err != nil {
				h.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Live diff failed")
				continue
			}
			for _, msg := range messages {
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
			if done {
				conn.WriteJSON(&LiveMessage{Type: MessageComplete})
				return
			}
		}
	}
}
