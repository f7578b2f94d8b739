package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
)

// defaultProcessor is used when none is requested and the remote
// recommendation fails.
const defaultProcessor = "core"

// CreateMultitaskRequest is the batch submission body. Inputs accepts an
// inline JSON array, a JSON-encoded string of one, or a URL to fetch one
// from.
type CreateMultitaskRequest struct {
	Inputs            json.RawMessage `json:"inputs" validate:"required"`
	OutputType        string          `json:"output_type" validate:"required,oneof=text json"`
	OutputDescription string          `json:"output_description,omitempty"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
	Processor         string          `json:"processor,omitempty"`
	WebhookURL        string          `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// BatchOutcome reports the result of one add-runs batch.
type BatchOutcome struct {
	Index  int    `json:"index"`
	Count  int    `json:"count"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CreateMultitaskResponse is returned on successful (or partially
// successful) submission.
type CreateMultitaskResponse struct {
	GroupID string         `json:"group_id"`
	URL     string         `json:"url"`
	NumRuns int            `json:"num_runs"`
	Batches []BatchOutcome `json:"batches,omitempty"`
}

// GroupHandler handles batch submission.
type GroupHandler struct {
	groups   interfaces.GroupStorage
	ledger   interfaces.LedgerService
	api      interfaces.TaskAPI
	tracker  interfaces.TrackerService
	config   *common.Config
	logger   arbor.ILogger
	validate *validator.Validate
	fetcher  *http.Client
}

// NewGroupHandler creates a new group handler
func NewGroupHandler(storage interfaces.StorageManager, ledger interfaces.LedgerService, api interfaces.TaskAPI, tracker interfaces.TrackerService, config *common.Config, logger arbor.ILogger) *GroupHandler {
	return &GroupHandler{
		groups:   storage.GroupStorage(),
		ledger:   ledger,
		api:      api,
		tracker:  tracker,
		config:   config,
		logger:   logger,
		validate: validator.New(),
		fetcher:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateHandler handles POST /v1beta/tasks/multitask.
func (h *GroupHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	apiKey := APIKeyFromRequest(r)
	if apiKey == "" {
		WriteError(w, http.StatusUnauthorized, "Missing API key")
		return
	}

	var req CreateMultitaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}
	if req.OutputType == models.OutputTypeJSON && len(req.OutputSchema) == 0 && req.OutputDescription == "" {
		h.logger.Debug().Msg("JSON output requested without schema or description, using auto schema")
	}

	ctx := r.Context()

	inputs, err := h.resolveInputs(ctx, req.Inputs)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(inputs) == 0 {
		WriteError(w, http.StatusBadRequest, "Inputs resolved to an empty array")
		return
	}

	// The local id is reserved and persisted before any remote call so a
	// crash mid-creation leaves a findable record instead of an orphaned
	// remote group.
	group := &models.TaskGroup{
		ID:           common.NewGroupID(),
		APIKey:       apiKey,
		WebhookURL:   req.WebhookURL,
		OutputType:   req.OutputType,
		OutputSchema: req.OutputSchema,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.groups.SaveGroup(ctx, group); err != nil {
		h.logger.Error().Err(err).Msg("Failed to persist new group")
		WriteError(w, http.StatusInternalServerError, "Failed to persist group")
		return
	}

	remoteID, metadata, err := h.api.CreateGroup(ctx, apiKey)
	if err != nil {
		h.logger.Error().Err(err).Str("group_id", group.ID).Msg("Remote group creation failed")
		h.deleteGroup(ctx, group.ID)
		WriteError(w, http.StatusBadGateway, "Remote group creation failed: "+err.Error())
		return
	}
	group.RemoteID = remoteID
	group.Metadata = metadata
	if err := h.groups.SaveGroup(ctx, group); err != nil {
		h.logger.Error().Err(err).Str("group_id", group.ID).Msg("Failed to persist remote group id")
		WriteError(w, http.StatusInternalServerError, "Failed to persist group")
		return
	}

	taskSpec, err := h.buildTaskSpec(ctx, apiKey, &req)
	if err != nil {
		h.deleteGroup(ctx, group.ID)
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	processor := req.Processor
	if processor == "" {
		processor = h.suggestProcessor(ctx, apiKey, taskSpec)
	}

	runIDs, acceptedInputs, batches := h.submitBatches(ctx, apiKey, remoteID, taskSpec, inputs, processor)
	if len(runIDs) == 0 {
		h.deleteGroup(ctx, group.ID)
		WriteError(w, http.StatusBadGateway, "All run batches were rejected by the remote system")
		return
	}

	if err := h.ledger.InitializeRuns(ctx, group.ID, runIDs, acceptedInputs); err != nil {
		h.logger.Error().Err(err).Str("group_id", group.ID).Msg("Failed to initialize run rows")
		WriteError(w, http.StatusInternalServerError, "Failed to initialize runs")
		return
	}

	h.tracker.Start(group.ID)

	status := http.StatusOK
	if len(runIDs) < len(inputs) {
		status = http.StatusMultiStatus
	}
	WriteJSON(w, status, &CreateMultitaskResponse{
		GroupID: group.ID,
		URL:     fmt.Sprintf("%s/%s", h.config.PublicOrigin(), group.ID),
		NumRuns: len(runIDs),
		Batches: batches,
	})
}

// resolveInputs normalizes the three accepted input shapes into a flat
// array of raw JSON values.
func (h *GroupHandler) resolveInputs(ctx context.Context, raw json.RawMessage) ([]json.RawMessage, error) {
	var inputs []json.RawMessage
	if err := json.Unmarshal(raw, &inputs); err == nil {
		return inputs, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("inputs must be an array, a JSON string, or a URL")
	}

	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
		return h.fetchInputs(ctx, text)
	}

	if err := json.Unmarshal([]byte(text), &inputs); err != nil {
		return nil, fmt.Errorf("inputs string is neither a URL nor a JSON array: %w", err)
	}
	return inputs, nil
}

func (h *GroupHandler) fetchInputs(ctx context.Context, url string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid inputs URL %s: %w", url, err)
	}
	resp, err := h.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inputs from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inputs URL returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs from %s: %w", url, err)
	}

	var inputs []json.RawMessage
	if err := json.Unmarshal(body, &inputs); err != nil {
		return nil, fmt.Errorf("inputs URL did not return a JSON array: %w", err)
	}
	return inputs, nil
}

// buildTaskSpec assembles the default task spec sent with every batch. For
// JSON output an explicit schema wins; a description alone asks the remote
// system to derive one; neither falls back to schema auto-detection.
func (h *GroupHandler) buildTaskSpec(ctx context.Context, apiKey string, req *CreateMultitaskRequest) (json.RawMessage, error) {
	type outputSchema struct {
		Type        string          `json:"type"`
		JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
		Description string          `json:"description,omitempty"`
	}
	type taskSpec struct {
		OutputSchema outputSchema    `json:"output_schema"`
		InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	}

	spec := taskSpec{}
	switch {
	case req.OutputType == models.OutputTypeText:
		spec.OutputSchema = outputSchema{Type: "text", Description: req.OutputDescription}
	case len(req.OutputSchema) > 0:
		spec.OutputSchema = outputSchema{Type: "json", JSONSchema: req.OutputSchema}
	case req.OutputDescription != "":
		inSchema, outSchema, err := h.api.SuggestTaskSpec(ctx, apiKey, req.OutputDescription)
		if err != nil || len(outSchema) == 0 {
			h.logger.Warn().Err(err).Msg("Schema suggestion failed, using auto schema")
			spec.OutputSchema = outputSchema{Type: "auto"}
			break
		}
		spec.OutputSchema = outputSchema{Type: "json", JSONSchema: outSchema}
		spec.InputSchema = inSchema
	default:
		spec.OutputSchema = outputSchema{Type: "auto"}
	}

	data, err := json.Marshal(&spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build task spec: %w", err)
	}
	return data, nil
}

func (h *GroupHandler) suggestProcessor(ctx context.Context, apiKey string, taskSpec json.RawMessage) string {
	processor, err := h.api.SuggestProcessor(ctx, apiKey, taskSpec)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Processor suggestion failed, using default")
		return defaultProcessor
	}
	return processor
}

// submitBatches sends inputs in fixed-size batches and keeps the accepted
// inputs contiguous so run rows map back to input positions.
func (h *GroupHandler) submitBatches(ctx context.Context, apiKey, remoteID string, taskSpec json.RawMessage, inputs []json.RawMessage, processor string) ([]string, []json.RawMessage, []BatchOutcome) {
	batchSize := h.config.Parallel.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var (
		runIDs   []string
		accepted []json.RawMessage
		outcomes []BatchOutcome
	)
	for start, index := 0, 0; start < len(inputs); start, index = start+batchSize, index+1 {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		batch := inputs[start:end]

		ids, err := h.api.AddRuns(ctx, apiKey, remoteID, taskSpec, batch, processor)
		if err != nil {
			h.logger.Warn().
				Err(err).
				Int("batch", index).
				Int("count", len(batch)).
				Msg("Run batch rejected")
			outcomes = append(outcomes, BatchOutcome{Index: index, Count: len(batch), Status: "failed", Error: err.Error()})
			continue
		}
		runIDs = append(runIDs, ids...)
		accepted = append(accepted, batch...)
		outcomes = append(outcomes, BatchOutcome{Index: index, Count: len(batch), Status: "ok"})
	}
	return runIDs, accepted, outcomes
}

func (h *GroupHandler) deleteGroup(ctx context.Context, groupID string) {
	if err := h.groups.DeleteGroup(ctx, groupID); err != nil {
		h.logger.Warn().Err(err).Str("group_id", groupID).Msg("Failed to clean up group record")
	}
}
