package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
)

// Live update channel message types.
const (
	MessageInitial           = "initial"
	MessageUnauthorized      = "unauthorized"
	MessageRunUpdate         = "run_update"
	MessageGroupStatusUpdate = "group_status_update"
	MessageComplete          = "complete"
)

// LiveMessage is one frame on the live update channel. The same shape is
// used for the SSE and the websocket transports.
type LiveMessage struct {
	Type   string              `json:"type"`
	Data   interface{}         `json:"data,omitempty"`
	Run    *models.Run         `json:"run,omitempty"`
	Result models.ResultItem   `json:"result,omitempty"`
	Status *models.GroupStatus `json:"status,omitempty"`
}

// LiveHandler streams incremental group updates over SSE. One goroutine per
// subscriber; the subscription ends when the group completes, the client
// disconnects, or a write fails.
type LiveHandler struct {
	groups interfaces.GroupStorage
	ledger interfaces.LedgerService
	config *common.Config
	logger arbor.ILogger
}

// NewLiveHandler creates a new live update handler
func NewLiveHandler(storage interfaces.StorageManager, ledger interfaces.LedgerService, config *common.Config, logger arbor.ILogger) *LiveHandler {
	return &LiveHandler{
		groups: storage.GroupStorage(),
		ledger: ledger,
		config: config,
		logger: logger,
	}
}

// ServeUnauthorized emits a single unauthorized frame and closes, so page
// scripts can route the viewer into the authorization flow.
func (h *LiveHandler) ServeUnauthorized(w http.ResponseWriter, r *http.Request) {
	flusher, ok := h.prepare(w)
	if !ok {
		return
	}
	h.writeFrame(w, flusher, &LiveMessage{Type: MessageUnauthorized})
}

// Serve streams updates for an already-authorized group.
func (h *LiveHandler) Serve(w http.ResponseWriter, r *http.Request, group *models.TaskGroup) {
	flusher, ok := h.prepare(w)
	if !ok {
		return
	}

	ctx := r.Context()
	sub := newSubscription(h.groups, h.ledger, group.ID)

	view, err := sub.refresh(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("group_id", group.ID).Msg("Failed to load initial view")
		return
	}
	if err := h.writeFrame(w, flusher, &LiveMessage{Type: MessageInitial, Data: view}); err != nil {
		return
	}
	if done := sub.snapshotState(view); done {
		h.writeFrame(w, flusher, &LiveMessage{Type: MessageComplete})
		return
	}

	ticker := time.NewTicker(h.config.Tracker.LiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, done, err := sub.diff(ctx)
			if err != nil {
				h.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Live diff failed")
				continue
			}
			for _, msg := range messages {
				if err := h.writeFrame(w, flusher, msg); err != nil {
					return
				}
			}
			if done {
				h.writeFrame(w, flusher, &LiveMessage{Type: MessageComplete})
				return
			}
		}
	}
}

func (h *LiveHandler) prepare(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func (h *LiveHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, msg *LiveMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// subscription tracks per-run fingerprints between polls so only changed
// rows are re-sent.
type subscription struct {
	groups       interfaces.GroupStorage
	ledger       interfaces.LedgerService
	groupID      string
	fingerprints map[string]string
	statusJSON   string
}

func newSubscription(groups interfaces.GroupStorage, ledger interfaces.LedgerService, groupID string) *subscription {
	return &subscription{
		groups:       groups,
		ledger:       ledger,
		groupID:      groupID,
		fingerprints: make(map[string]string),
	}
}

func (s *subscription) refresh(ctx context.Context) (*models.GroupView, error) {
	group, err := s.groups.GetGroup(ctx, s.groupID)
	if err != nil {
		return nil, err
	}
	return s.ledger.View(ctx, group)
}

// snapshotState records the baseline fingerprints and reports whether the
// group is already terminal.
func (s *subscription) snapshotState(view *models.GroupView) bool {
	for _, run := range view.Runs {
		s.fingerprints[run.RunID] = fingerprint(run)
	}
	s.statusJSON = statusFingerprint(view.Status)
	return view.Status != nil && !view.Status.IsActive
}

// diff reloads the view and returns one message per changed run plus a
// status message when the group status object changed. done is true when
// the group has gone inactive.
func (s *subscription) diff(ctx context.Context) ([]*LiveMessage, bool, error) {
	view, err := s.refresh(ctx)
	if err != nil {
		return nil, false, err
	}

	var messages []*LiveMessage
	for i, run := range view.Runs {
		fp := fingerprint(run)
		if s.fingerprints[run.RunID] == fp {
			continue
		}
		s.fingerprints[run.RunID] = fp
		var result models.ResultItem
		if i < len(view.Results) {
			result = view.Results[i]
		}
		messages = append(messages, &LiveMessage{Type: MessageRunUpdate, Run: run, Result: result})
	}

	if sf := statusFingerprint(view.Status); sf != s.statusJSON {
		s.statusJSON = sf
		messages = append(messages, &LiveMessage{Type: MessageGroupStatusUpdate, Status: view.Status})
	}

	done := view.Status != nil && !view.Status.IsActive
	return messages, done, nil
}

func fingerprint(run *models.Run) string {
	return run.Status + "\x00" + string(run.Output) + "\x00" + string(run.OutputBasis)
}

func statusFingerprint(status *models.GroupStatus) string {
	if status == nil {
		return ""
	}
	data, _ := json.Marshal(status)
	return string(data)
}
