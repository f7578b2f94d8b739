package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
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

// fakeStream replays a scripted event sequence then ends.
type fakeStream struct {
	events []*models.StreamEvent
	pos    int
}

func (f *fakeStream) Next() (*models.StreamEvent, error) {
	if f.pos >= len(f.events) {
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return ev, nil
}

func (f *fakeStream) Close() error { return nil }

// fakeAPI serves one scripted stream per attachment; attachments beyond the
// script get an empty feed.
type fakeAPI struct {
	mu          sync.Mutex
	streams     [][]*models.StreamEvent
	attachments int
	cursors     []string
	results     map[string]json.RawMessage
	fetched     []string
}

func (f *fakeAPI) CreateGroup(ctx context.Context, apiKey string) (string, map[string]interface{}, error) {
	return "tgroup_remote", nil, nil
}

func (f *fakeAPI) AddRuns(ctx context.Context, apiKey, remoteGroupID string, defaultSpec json.RawMessage, inputs []json.RawMessage, processor string) ([]string, error) {
	return nil, nil
}

func (f *fakeAPI) StreamRunStates(ctx context.Context, apiKey, remoteGroupID, cursor string) (interfaces.RunStateStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	idx := f.attachments
	f.attachments++
	if idx >= len(f.streams) {
		return &fakeStream{}, nil
	}
	return &fakeStream{events: f.streams[idx]}, nil
}

func (f *fakeAPI) FetchRunResult(ctx context.Context, apiKey, runID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, runID)
	return f.results[runID], nil
}

func (f *fakeAPI) SuggestTaskSpec(ctx context.Context, apiKey, intent string) (json.RawMessage, json.RawMessage, error) {
	return nil, nil, nil
}

func (f *fakeAPI) SuggestProcessor(ctx context.Context, apiKey string, taskSpec json.RawMessage) (string, error) {
	return "core", nil
}

func newTestTracker(t *testing.T, api interfaces.TaskAPI) (*Service, interfaces.StorageManager, interfaces.LedgerService, *common.Config) {
	t.Helper()

	logger := arbor.NewLogger()
	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	config := common.NewDefaultConfig()
	config.Tracker.InvocationBudget = 5 * time.Second

	ledgerSvc := ledger.NewService(manager, logger)
	svc := NewService(manager, ledgerSvc, api, config, logger).(*Service)
	t.Cleanup(svc.Stop)

	return svc, manager, ledgerSvc, config
}

func seedGroup(t *testing.T, manager interfaces.StorageManager, ledgerSvc interfaces.LedgerService, groupID string, runIDs []string) *models.TaskGroup {
	t.Helper()
	ctx := context.Background()

	group := &models.TaskGroup{
		ID:        groupID,
		RemoteID:  "tgroup_remote",
		APIKey:    "test-key",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, manager.GroupStorage().SaveGroup(ctx, group))

	inputs := make([]json.RawMessage, len(runIDs))
	for i := range runIDs {
		inputs[i] = json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`)
	}
	require.NoError(t, ledgerSvc.InitializeRuns(ctx, groupID, runIDs, inputs))
	return group
}

func TestReconcileAppliesEventsAndCompletes(t *testing.T) {
	later := time.Now().UTC().Add(time.Second)
	api := &fakeAPI{
		streams: [][]*models.StreamEvent{{
			{
				Type:    models.EventTypeRunState,
				EventID: "ev_1",
				Run:     &models.RunStateEvent{RunID: "trun_1", Status: models.RunStatusCompleted, IsActive: false, ModifiedAt: later},
				Output:  json.RawMessage(`{"content":{"city":"Berlin"}}`),
			},
			{
				Type:    models.EventTypeGroupStatus,
				EventID: "ev_2",
				Status:  &models.GroupStatus{NumTaskRuns: 1, IsActive: false},
			},
		}},
	}
	svc, manager, ledgerSvc, _ := newTestTracker(t, api)
	seedGroup(t, manager, ledgerSvc, "tg_1", []string{"trun_1"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.reconcile(ctx, "tg_1")

	group, err := manager.GroupStorage().GetGroup(ctx, "tg_1")
	require.NoError(t, err)
	assert.True(t, group.IsComplete())
	require.NotNil(t, group.PurgeAt)
	assert.Equal(t, "ev_2", group.Cursor)
	require.NotNil(t, group.Status)
	assert.False(t, group.Status.IsActive)

	run, err := manager.RunStorage().GetRun(ctx, "tg_1", "trun_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Contains(t, string(run.Output), "Berlin")
}

func TestReconcileSendsCursorOnReattach(t *testing.T) {
	later := time.Now().UTC().Add(time.Second)
	api := &fakeAPI{
		streams: [][]*models.StreamEvent{
			// First attachment: one event, run still active
			{{
				Type:    models.EventTypeRunState,
				EventID: "ev_1",
				Run:     &models.RunStateEvent{RunID: "trun_1", Status: models.RunStatusRunning, IsActive: true, ModifiedAt: later},
			}},
			// Second attachment finishes the run
			{{
				Type:    models.EventTypeRunState,
				EventID: "ev_2",
				Run:     &models.RunStateEvent{RunID: "trun_1", Status: models.RunStatusCompleted, IsActive: false, ModifiedAt: later.Add(time.Second)},
				Output:  json.RawMessage(`{"content":{"ok":true}}`),
			}},
		},
	}
	svc, manager, ledgerSvc, _ := newTestTracker(t, api)
	seedGroup(t, manager, ledgerSvc, "tg_1", []string{"trun_1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.reconcile(ctx, "tg_1")

	require.GreaterOrEqual(t, len(api.cursors), 2)
	assert.Equal(t, "", api.cursors[0])
	assert.Equal(t, "ev_1", api.cursors[1])
}

func TestCompletionWebhookFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer webhook.Close()

	api := &fakeAPI{}
	svc, manager, ledgerSvc, config := newTestTracker(t, api)
	config.Server.PublicURL = "https://multitask.example.com"

	group := seedGroup(t, manager, ledgerSvc, "tg_1", []string{"trun_1"})
	group.WebhookURL = webhook.URL
	ctx := context.Background()
	require.NoError(t, manager.GroupStorage().SaveGroup(ctx, group))

	later := time.Now().UTC().Add(time.Second)
	_, err := ledgerSvc.ApplyRunStateEvent(ctx, "tg_1", &models.StreamEvent{
		Type: models.EventTypeRunState,
		Run:  &models.RunStateEvent{RunID: "trun_1", Status: models.RunStatusCompleted, IsActive: false, ModifiedAt: later},
	})
	require.NoError(t, err)

	group, err = manager.GroupStorage().GetGroup(ctx, "tg_1")
	require.NoError(t, err)
	done, err := svc.checkCompletion(ctx, group)
	require.NoError(t, err)
	assert.True(t, done)

	// Second check is a no-op: already complete
	group, err = manager.GroupStorage().GetGroup(ctx, "tg_1")
	require.NoError(t, err)
	done, err = svc.checkCompletion(ctx, group)
	require.NoError(t, err)
	assert.True(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.JSONEq(t, `{"url":"https://multitask.example.com/tg_1"}`, bodies[0])
}

func TestEmptyGroupNeverCompletes(t *testing.T) {
	api := &fakeAPI{}
	svc, manager, _, _ := newTestTracker(t, api)

	ctx := context.Background()
	group := &models.TaskGroup{ID: "tg_empty", RemoteID: "tgroup_remote", APIKey: "k", CreatedAt: time.Now()}
	require.NoError(t, manager.GroupStorage().SaveGroup(ctx, group))

	done, err := svc.checkCompletion(ctx, group)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestFetchMissingOutput(t *testing.T) {
	later := time.Now().UTC().Add(time.Second)
	api := &fakeAPI{
		streams: [][]*models.StreamEvent{{
			// Completion event without an output payload
			{
				Type:    models.EventTypeRunState,
				EventID: "ev_1",
				Run:     &models.RunStateEvent{RunID: "trun_1", Status: models.RunStatusCompleted, IsActive: false, ModifiedAt: later},
			},
		}},
		results: map[string]json.RawMessage{
			"trun_1": json.RawMessage(`{"output":{"content":{"city":"Paris"}}}`),
		},
	}
	svc, manager, ledgerSvc, _ := newTestTracker(t, api)
	seedGroup(t, manager, ledgerSvc, "tg_1", []string{"trun_1"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.reconcile(ctx, "tg_1")

	assert.Equal(t, []string{"trun_1"}, api.fetched)

	run, err := manager.RunStorage().GetRun(ctx, "tg_1", "trun_1")
	require.NoError(t, err)
	assert.Contains(t, string(run.Output), "Paris")
}

func TestPurgeExpired(t *testing.T) {
	api := &fakeAPI{}
	svc, manager, ledgerSvc, _ := newTestTracker(t, api)
	ctx := context.Background()

	group := seedGroup(t, manager, ledgerSvc, "tg_old", []string{"trun_1"})
	completedAt := time.Now().UTC().Add(-31 * 24 * time.Hour)
	purgeAt := time.Now().UTC().Add(-time.Hour)
	group.CompletedAt = &completedAt
	group.PurgeAt = &purgeAt
	require.NoError(t, manager.GroupStorage().SaveGroup(ctx, group))

	require.NoError(t, svc.PurgeExpired(ctx))

	_, err := manager.GroupStorage().GetGroup(ctx, "tg_old")
	assert.True(t, interfaces.IsNotFound(err))

	count, err := manager.RunStorage().CountByGroup(ctx, "tg_old")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
