package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/johnquangdev/discovery-sync/internal/adapter/repository"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/cache"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/external/crm"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/lock"
	"github.com/johnquangdev/discovery-sync/internal/usecase/crmsync"
	"github.com/johnquangdev/discovery-sync/internal/usecase/syncqueue"
	"github.com/johnquangdev/discovery-sync/pkg/config"
	"github.com/johnquangdev/discovery-sync/pkg/jwt"
	"github.com/johnquangdev/discovery-sync/pkg/validator"
)

// fakeCRMServer answers like the CRM; mode switches how writes respond
type fakeCRMServer struct {
	*httptest.Server
	mode   atomic.Value
	writes atomic.Int32
}

func newFakeCRMServer(t *testing.T) *fakeCRMServer {
	t.Helper()
	f := &fakeCRMServer{}
	f.mode.Store("ok")

	mux := http.NewServeMux()
	mux.HandleFunc("/crm/v2/Deals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, `{"data":[{"id":"rec-1","Name":"Acme Co"}],"info":{"count":1,"more_records":false}}`)
			return
		}
		f.write(w, "rec-new")
	})
	mux.HandleFunc("/crm/v2/Deals/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/crm/v2/Deals/")
		if r.Method == http.MethodGet {
			if id != "rec-1" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_, _ = io.WriteString(w, `{"data":[{"id":"rec-1","Name":"Acme Co","Discovery_Completion":"12%"}]}`)
			return
		}
		f.write(w, id)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeCRMServer) write(w http.ResponseWriter, id string) {
	f.writes.Add(1)
	switch f.mode.Load().(string) {
	case "down":
		w.WriteHeader(http.StatusServiceUnavailable)
	case "reject":
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"INVALID_DATA","message":"invalid data"}`)
	default:
		_, _ = io.WriteString(w, `{"data":[{"code":"SUCCESS","details":{"id":"`+id+`"}}]}`)
	}
}

type apiHarness struct {
	echo  *echo.Echo
	crm   *fakeCRMServer
	queue *syncqueue.Queue
}

func newAPIHarness(t *testing.T, jwtManager *jwt.Manager) *apiHarness {
	t.Helper()

	server := newFakeCRMServer(t)
	client := crm.NewClient(config.CRMConfig{
		BaseURL:     server.URL + "/crm/v2",
		Module:      "Deals",
		AccessToken: "token",
		Timeout:     2 * time.Second,
		MaxElapsed:  10 * time.Millisecond,
	}, zap.NewNop())

	repo, err := repository.NewFileTaskRepository(filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)

	recordCache := cache.NewRecordCache(cache.Options{})
	locker := lock.NewKeyedMutex()
	queue := syncqueue.NewQueue(repo, client, locker, recordCache, syncqueue.Options{}, zap.NewNop())
	orchestrator := crmsync.NewOrchestrator(client, client, queue, recordCache, locker, 2*time.Second, zap.NewNop())

	e := echo.New()
	e.Validator = validator.New()
	NewRouter(&config.Config{}, NewDiscoveryHandler(orchestrator, queue, zap.NewNop()), jwtManager, zap.NewNop()).Setup(e)

	return &apiHarness{echo: e, crm: server, queue: queue}
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

const meetingBody = `{
	"meeting": {
		"meetingId": "meeting-1",
		"clientName": "Acme Co",
		"modules": {
			"overview": {"industry": "retail"},
			"proposal": {"selectedServices": [{"name": "AI agent", "selected": true}]}
		},
		"painPoints": [],
		"notes": ""
	},
	"recordId": "rec-1"
}`

func TestDiscovery_SyncMeeting(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec, body := h.do(t, http.MethodPost, "/v1/meetings/sync", meetingBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := data(t, body)["sync"].(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "rec-1", result["recordId"])
	assert.Equal(t, "proposal", result["discoveryStatus"])
	assert.EqualValues(t, 1, h.crm.writes.Load())
}

func TestDiscovery_SyncMeetingQueuesWhenCRMIsDown(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.crm.mode.Store("down")

	rec, body := h.do(t, http.MethodPost, "/v1/meetings/sync", meetingBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	result := data(t, body)["sync"].(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, true, result["queued"])
	assert.NotEmpty(t, result["taskId"])

	rec, body = h.do(t, http.MethodGet, "/v1/sync/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queue := data(t, body)
	pending := queue["pending"].([]any)
	require.Len(t, pending, 1)
	task := pending[0].(map[string]any)
	assert.Equal(t, "meeting-1", task["meeting_id"])
	assert.NotEmpty(t, task["next_attempt_at"])

	h.crm.mode.Store("ok")
	rec, body = h.do(t, http.MethodPost, "/v1/sync/queue/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, data(t, body)["succeeded"])

	_, body = h.do(t, http.MethodGet, "/v1/sync/queue", "")
	assert.Empty(t, data(t, body)["pending"])
}

func TestDiscovery_SyncMeetingWithExtractedFields(t *testing.T) {
	h := newAPIHarness(t, nil)

	reqBody := strings.Replace(meetingBody, `"recordId": "rec-1"`,
		`"recordId": "rec-1", "extracted": {"overview": {"industry": "wholesale", "region": "EU"}}`, 1)

	rec, body := h.do(t, http.MethodPost, "/v1/meetings/sync", reqBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	d := data(t, body)
	merge := d["merge"].(map[string]any)
	assert.EqualValues(t, 1, merge["total_filled"])
	assert.EqualValues(t, 1, merge["total_skipped"])
	assert.Contains(t, d["mergeSummary"], "Filled 1 fields")

	meeting := d["meeting"].(map[string]any)
	overview := meeting["modules"].(map[string]any)["overview"].(map[string]any)
	assert.Equal(t, "retail", overview["industry"])
	assert.Equal(t, "EU", overview["region"])
}

func TestDiscovery_SyncMeetingRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantApp  string
	}{
		{"malformed json", `{"meeting":`, http.StatusBadRequest, "INVALID_PAYLOAD"},
		{"missing meeting", `{"recordId":"rec-1"}`, http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
		{"missing meeting id", `{"meeting":{"clientName":"Acme"}}`, http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
		{"non-object module", `{"meeting":{"meetingId":"m-1"},"extracted":{"overview":"text"}}`, http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do(t, http.MethodPost, "/v1/meetings/sync", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantApp, body["code"])
		})
	}
	assert.Zero(t, h.crm.writes.Load())
}

func TestDiscovery_Preview(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec, body := h.do(t, http.MethodPost, "/v1/meetings/status",
		`{"meeting":{"meetingId":"m-1","modules":{"overview":{"industry":"retail"}}},"highWaterStatus":"proposal_sent"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	d := data(t, body)
	assert.Equal(t, "proposal_sent", d["discoveryStatus"])
	assert.Len(t, d["modules"], 9)
	assert.Zero(t, h.crm.writes.Load())
}

func TestDiscovery_Records(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec, body := h.do(t, http.MethodGet, "/v1/records/rec-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rec-1", data(t, body)["id"])

	rec, body = h.do(t, http.MethodGet, "/v1/records/rec-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RECORD_NOT_FOUND", body["code"])

	rec, body = h.do(t, http.MethodGet, "/v1/records?phase=discovery&page=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, data(t, body)["records"], 1)

	rec, _ = h.do(t, http.MethodGet, "/v1/records?phase=unknown", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiscovery_AbandonedTaskLifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.crm.mode.Store("reject")

	rec, body := h.do(t, http.MethodPost, "/v1/meetings/sync", meetingBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	result := data(t, body)["sync"].(map[string]any)
	assert.Equal(t, true, result["permanent"])
	taskID := result["taskId"].(string)

	_, body = h.do(t, http.MethodGet, "/v1/sync/queue", "")
	abandoned := data(t, body)["abandoned"].([]any)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "permanent_error", abandoned[0].(map[string]any)["abandon_reason"])

	rec, body = h.do(t, http.MethodPost, "/v1/sync/queue/"+taskID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", data(t, body)["status"])

	rec, body = h.do(t, http.MethodDelete, "/v1/sync/queue/"+taskID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TASK_NOT_ABANDONED", body["code"])

	rec, _ = h.do(t, http.MethodPost, "/v1/sync/queue/not-a-uuid/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/v1/sync/queue/00000000-0000-0000-0000-000000000001", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscovery_AcknowledgeAbandonedTask(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.crm.mode.Store("reject")

	_, body := h.do(t, http.MethodPost, "/v1/meetings/sync", meetingBody)
	taskID := data(t, body)["sync"].(map[string]any)["taskId"].(string)

	rec, _ := h.do(t, http.MethodDelete, "/v1/sync/queue/"+taskID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, body = h.do(t, http.MethodGet, "/v1/sync/queue", "")
	assert.Empty(t, data(t, body)["abandoned"])
}

func TestDiscovery_RoutesRequireTokenWhenConfigured(t *testing.T) {
	manager := jwt.NewManager("secret", "discovery-sync")
	h := newAPIHarness(t, manager)

	rec, _ := h.do(t, http.MethodGet, "/v1/sync/queue", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	reader, err := manager.GenerateAccessToken("dashboard", []string{jwt.ScopeRead}, time.Hour)
	require.NoError(t, err)

	rec, _ = h.do(t, http.MethodGet, "/v1/sync/queue", "", echo.HeaderAuthorization, "Bearer "+reader)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/v1/sync/queue/retry", "", echo.HeaderAuthorization, "Bearer "+reader)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
