package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
	"github.com/ternarybob/multitask/internal/services/ledger"
	"github.com/ternarybob/multitask/internal/storage/badger"
)

type fakeTaskAPI struct {
	remoteID     string
	batchErrors  map[int]error
	addRunsCalls int
	nextRunID    int
	processor    string
}

func (f *fakeTaskAPI) CreateGroup(ctx context.Context, apiKey string) (string, map[string]interface{}, error) {
	if f.remoteID == "" {
		return "", nil, fmt.Errorf("remote unavailable")
	}
	return f.remoteID, map[string]interface{}{"taskgroup_id": f.remoteID}, nil
}

func (f *fakeTaskAPI) AddRuns(ctx context.Context, apiKey, remoteGroupID string, defaultSpec json.RawMessage, inputs []json.RawMessage, processor string) ([]string, error) {
	call := f.addRunsCalls
	f.addRunsCalls++
	if err, ok := f.batchErrors[call]; ok {
		return nil, err
	}
	ids := make([]string, len(inputs))
	for i := range inputs {
		ids[i] = fmt.Sprintf("run_%d", f.nextRunID)
		f.nextRunID++
	}
	return ids, nil
}

func (f *fakeTaskAPI) StreamRunStates(ctx context.Context, apiKey, remoteGroupID, cursor string) (interfaces.RunStateStream, error) {
	return nil, fmt.Errorf("not streaming in tests")
}

func (f *fakeTaskAPI) FetchRunResult(ctx context.Context, apiKey, runID string) (json.RawMessage, error) {
	return nil, fmt.Errorf("no results in tests")
}

func (f *fakeTaskAPI) SuggestTaskSpec(ctx context.Context, apiKey, intent string) (json.RawMessage, json.RawMessage, error) {
	return json.RawMessage(`{"type":"object"}`), json.RawMessage(`{"type":"object"}`), nil
}

func (f *fakeTaskAPI) SuggestProcessor(ctx context.Context, apiKey string, taskSpec json.RawMessage) (string, error) {
	if f.processor == "" {
		return "", fmt.Errorf("no recommendation")
	}
	return f.processor, nil
}

type fakeTracker struct {
	started []string
}

func (f *fakeTracker) Start(groupID string)                   { f.started = append(f.started, groupID) }
func (f *fakeTracker) ResumeActive(ctx context.Context) error { return nil }
func (f *fakeTracker) PurgeExpired(ctx context.Context) error { return nil }
func (f *fakeTracker) Stop()                                  {}

type handlerFixture struct {
	storage interfaces.StorageManager
	ledger  interfaces.LedgerService
	api     *fakeTaskAPI
	tracker *fakeTracker
	config  *common.Config
	group   *GroupHandler
	result  *ResultHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	config := common.NewDefaultConfig()
	config.Server.PublicURL = "https://multitask.example.com"
	config.Parallel.BatchSize = 500

	ledgerService := ledger.NewService(storage, logger)
	api := &fakeTaskAPI{remoteID: "tgr_remote", batchErrors: map[int]error{}}
	trackerService := &fakeTracker{}

	auth := NewAuthHandler(config, logger)
	live := NewLiveHandler(storage, ledgerService, config, logger)
	ws := NewWSHandler(storage, ledgerService, config, logger)

	return &handlerFixture{
		storage: storage,
		ledger:  ledgerService,
		api:     api,
		tracker: trackerService,
		config:  config,
		group:   NewGroupHandler(storage, ledgerService, api, trackerService, config, logger),
		result:  NewResultHandler(storage, ledgerService, auth, live, ws, config, logger),
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/tg_1", nil)
	assert.Empty(t, APIKeyFromRequest(r))

	r.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", APIKeyFromRequest(r))

	r.Header.Set("x-api-key", "from-header")
	assert.Equal(t, "from-header", APIKeyFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", APIKeyFromRequest(r))
}

func TestParseGroupPath(t *testing.T) {
	cases := []struct {
		path   string
		accept string
		id     string
		format string
	}{
		{"/tg_1.json", "", "tg_1", FormatJSON},
		{"/tg_1.md", "", "tg_1", FormatMarkdown},
		{"/tg_1.html", "", "tg_1", FormatHTML},
		{"/tg_1.sse", "", "tg_1", FormatSSE},
		{"/tg_1.ws", "", "tg_1", FormatWS},
		{"/tg_1", "", "tg_1", FormatMarkdown},
		{"/tg_1", "text/html,application/xhtml+xml", "tg_1", FormatHTML},
		{"/tg_1", "text/markdown", "tg_1", FormatMarkdown},
		{"/tg_1", "text/event-stream", "tg_1", FormatSSE},
		{"/tg_1", "application/json", "tg_1", FormatJSON},
		{"/tg_1", "*/*", "tg_1", FormatJSON},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", tc.path, nil)
		if tc.accept != "" {
			r.Header.Set("Accept", tc.accept)
		}
		id, format := ParseGroupPath(r)
		assert.Equal(t, tc.id, id, tc.path)
		assert.Equal(t, tc.format, format, tc.path+" accept="+tc.accept)
	}
}

func createRequest(body string, apiKey string) *http.Request {
	r := httptest.NewRequest("POST", "/v1beta/tasks/multitask", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		r.Header.Set("x-api-key", apiKey)
	}
	return r
}

func TestCreateHandlerHappyPath(t *testing.T) {
	f := newHandlerFixture(t)

	w := httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(`{
		"inputs": ["What is the population of Berlin?", "What is the population of Oslo?"],
		"output_type": "json",
		"processor": "core"
	}`, "key-1"))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CreateMultitaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.NumRuns)
	assert.Equal(t, "https://multitask.example.com/"+resp.GroupID, resp.URL)
	require.Len(t, resp.Batches, 1)
	assert.Equal(t, "ok", resp.Batches[0].Status)

	group, err := f.storage.GroupStorage().GetGroup(context.Background(), resp.GroupID)
	require.NoError(t, err)
	assert.Equal(t, "key-1", group.APIKey)
	assert.Equal(t, "tgr_remote", group.RemoteID)

	count, err := f.storage.RunStorage().CountByGroup(context.Background(), resp.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, []string{resp.GroupID}, f.tracker.started)
}

func TestCreateHandlerPartialBatchFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.config.Parallel.BatchSize = 1
	f.api.batchErrors[1] = fmt.Errorf("batch rejected")

	w := httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(`{
		"inputs": ["a", "b", "c"],
		"output_type": "text",
		"processor": "lite"
	}`, "key-1"))

	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())

	var resp CreateMultitaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.NumRuns)
	require.Len(t, resp.Batches, 3)
	assert.Equal(t, "failed", resp.Batches[1].Status)

	// Accepted inputs stay contiguous from index zero.
	runs, err := f.storage.RunStorage().ListByGroup(context.Background(), resp.GroupID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 0, runs[0].InputIndex)
	assert.Equal(t, 1, runs[1].InputIndex)
}

func TestCreateHandlerAllBatchesRejected(t *testing.T) {
	f := newHandlerFixture(t)
	f.api.batchErrors[0] = fmt.Errorf("batch rejected")

	w := httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(`{"inputs": ["a"], "output_type": "text"}`, "key-1"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, f.tracker.started)
}

func TestCreateHandlerValidation(t *testing.T) {
	f := newHandlerFixture(t)

	w := httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(`{"inputs": ["a"], "output_type": "yaml"}`, "key-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(`{"inputs": ["a"], "output_type": "json"}`, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateHandlerJSONStringInputs(t *testing.T) {
	f := newHandlerFixture(t)

	w := httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(`{
		"inputs": "[\"a\", \"b\"]",
		"output_type": "json",
		"processor": "core"
	}`, "key-1"))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CreateMultitaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.NumRuns)
}

func TestCreateHandlerURLInputs(t *testing.T) {
	f := newHandlerFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["x", "y", "z"]`)
	}))
	defer upstream.Close()

	w := httptest.NewRecorder()
	f.group.CreateHandler(w, createRequest(fmt.Sprintf(`{
		"inputs": %q,
		"output_type": "text",
		"processor": "base"
	}`, upstream.URL), "key-1"))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CreateMultitaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.NumRuns)
}

func seedGroup(t *testing.T, f *handlerFixture, apiKey string, complete bool) *models.TaskGroup {
	t.Helper()
	group := &models.TaskGroup{
		ID:         "tg_seeded",
		RemoteID:   "tgr_remote",
		APIKey:     apiKey,
		OutputType: models.OutputTypeJSON,
		CreatedAt:  time.Now().UTC(),
		Status: &models.GroupStatus{
			NumTaskRuns:         1,
			TaskRunStatusCounts: map[string]int{"completed": 1},
			IsActive:            !complete,
		},
	}
	if complete {
		now := time.Now().UTC()
		group.CompletedAt = &now
	}
	require.NoError(t, f.storage.GroupStorage().SaveGroup(context.Background(), group))
	require.NoError(t, f.ledger.InitializeRuns(context.Background(), group.ID, []string{"run_1"}, []json.RawMessage{json.RawMessage(`{"city":"Berlin"}`)}))
	return group
}

func TestResultHandlerNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/tg_missing.json", nil)
	r.Header.Set("x-api-key", "key-1")
	f.result.GetHandler(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultHandlerCredentialMismatch(t *testing.T) {
	f := newHandlerFixture(t)
	seedGroup(t, f, "key-1", false)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/tg_seeded.json", nil)
	r.Header.Set("x-api-key", "wrong-key")
	f.result.GetHandler(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Browsers get a page that links into the authorization flow instead of
	// a bare JSON error.
	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/tg_seeded.html", nil)
	r.Header.Set("x-api-key", "wrong-key")
	f.result.GetHandler(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Authorization required")
}

func TestResultHandlerJSON(t *testing.T) {
	f := newHandlerFixture(t)
	seedGroup(t, f, "key-1", false)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/tg_seeded.json", nil)
	r.Header.Set("x-api-key", "key-1")
	f.result.GetHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var view models.GroupView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "tg_seeded", view.ID)
	require.Len(t, view.Results, 1)
	assert.Equal(t, "Berlin", view.Results[0]["city"])
}

func TestResultHandlerDefaultsToMarkdown(t *testing.T) {
	f := newHandlerFixture(t)
	seedGroup(t, f, "key-1", false)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/tg_seeded", nil)
	r.Header.Set("x-api-key", "key-1")
	f.result.GetHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, w.Body.String(), "# Task Group Results")
}

func TestLiveHandlerCompletedGroup(t *testing.T) {
	f := newHandlerFixture(t)
	seedGroup(t, f, "key-1", true)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/tg_seeded.sse", nil)
	r.Header.Set("x-api-key", "key-1")
	f.result.GetHandler(w, r)

	body := w.Body.String()
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, body, `"type":"initial"`)
	assert.Contains(t, body, `"type":"complete"`)
}

func TestLiveHandlerUnauthorizedFrame(t *testing.T) {
	f := newHandlerFixture(t)
	seedGroup(t, f, "key-1", false)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/tg_seeded.sse", nil)
	r.Header.Set("x-api-key", "wrong-key")
	f.result.GetHandler(w, r)

	assert.Contains(t, w.Body.String(), `"type":"unauthorized"`)
}
