package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/fleetq/internal/application/dispatcher"
	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/application/registry"
	"github.com/rezkam/fleetq/internal/infrastructure/persistence/sqlite"
)

var workflowDoc = json.RawMessage(`{"nodes":[{"id":"start","type":"Start"}],"connections":[]}`)

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	bus := events.NewBus()
	store, err := sqlite.NewStore(context.Background(), filepath.Join(t.TempDir(), "api-test.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := New(
		store,
		dispatcher.New(store, dispatcher.Defaults{MaxRetries: 3}),
		registry.New(store, bus, 90*time.Second),
		bus,
	)
	return h.Routes()
}

func doJSON(t *testing.T, api http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func submitOne(t *testing.T, api http.Handler) string {
	t.Helper()
	rec := doJSON(t, api, http.MethodPost, "/jobs", submitRequest{
		WorkflowID: "wf-1",
		Workflow:   workflowDoc,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[submitResponse](t, rec).JobID
}

func claimViaAPI(t *testing.T, api http.Handler, robotID string) jobResponse {
	t.Helper()
	rec := doJSON(t, api, http.MethodPost, "/jobs:claim", claimRequest{
		RobotID:   robotID,
		BatchSize: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[claimResponse](t, rec)
	require.Len(t, resp.Jobs, 1)
	return resp.Jobs[0]
}

func TestSubmitAndGetJob(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	rec := doJSON(t, api, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job := decodeBody[jobResponse](t, rec)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "queued", job.Status)
	assert.Equal(t, "wf-1", job.WorkflowID)
}

func TestSubmitInvalidWorkflow(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/jobs", submitRequest{
		WorkflowID: "wf-1",
		Workflow:   json.RawMessage(`{"nodes":[]}`),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_argument", body.Error.Code)
}

func TestGetUnknownJob(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/jobs/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimExtendCompleteFlow(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	job := claimViaAPI(t, api, "robot-1")
	assert.Equal(t, jobID, job.ID)
	require.NotNil(t, job.LeaseToken)

	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":extend", extendRequest{
		LeaseToken:    *job.LeaseToken,
		ExtendSeconds: 120,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	extend := decodeBody[extendResponse](t, rec)
	assert.True(t, extend.OK)
	assert.False(t, extend.CancelRequested)

	rec = doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":complete", completeRequest{
		LeaseToken: *job.LeaseToken,
		Result:     map[string]any{"output": 42},
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, api, http.MethodGet, "/jobs/"+jobID, nil)
	got := decodeBody[jobResponse](t, rec)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, map[string]any{"output": float64(42)}, got.Result)
}

func TestCompleteWithStaleLease(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	claimViaAPI(t, api, "robot-1")

	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":complete", completeRequest{
		LeaseToken: "bogus",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stale_lease", body.Error.Code)
}

func TestFailJobViaAPI(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	job := claimViaAPI(t, api, "robot-1")

	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":fail", failRequest{
		LeaseToken: *job.LeaseToken,
		Error:      "window not found",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[failResponse](t, rec).WillRetry)

	rec = doJSON(t, api, http.MethodGet, "/jobs/"+jobID, nil)
	got := decodeBody[jobResponse](t, rec)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestCancelFlow(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":cancel", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, api, http.MethodGet, "/jobs/"+jobID, nil)
	assert.Equal(t, "cancelled", decodeBody[jobResponse](t, rec).Status)
}

func TestCancelRunningJobSurfacesOnExtend(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	job := claimViaAPI(t, api, "robot-1")

	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":cancel", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":extend", extendRequest{
		LeaseToken:    *job.LeaseToken,
		ExtendSeconds: 60,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	extend := decodeBody[extendResponse](t, rec)
	assert.True(t, extend.OK)
	assert.True(t, extend.CancelRequested)
}

func TestListJobsFilters(t *testing.T) {
	api := newTestAPI(t)

	submitOne(t, api)
	jobID := submitOne(t, api)
	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":cancel", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/jobs?status=cancelled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[jobListResponse](t, rec)
	assert.Equal(t, 1, list.TotalCount)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, jobID, list.Jobs[0].ID)
	assert.Nil(t, list.Jobs[0].LeaseToken, "lease tokens are not disclosed in listings")

	rec = doJSON(t, api, http.MethodGet, "/jobs?status=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryDeadLetteredJob(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	job := claimViaAPI(t, api, "robot-1")

	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":fail", failRequest{
		LeaseToken: *job.LeaseToken,
		Error:      "workflow malformed",
		Permanent:  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[failResponse](t, rec).WillRetry)

	rec = doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":retry", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fresh := decodeBody[submitResponse](t, rec)
	assert.NotEqual(t, jobID, fresh.JobID)

	rec = doJSON(t, api, http.MethodGet, "/jobs/"+fresh.JobID, nil)
	got := decodeBody[jobResponse](t, rec)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestRetryNonDeadLetteredJobRejected(t *testing.T) {
	api := newTestAPI(t)

	jobID := submitOne(t, api)
	rec := doJSON(t, api, http.MethodPost, "/jobs/"+jobID+":retry", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestRobotRegisterAndHeartbeat(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/robots", registerRequest{
		MachineID:    "machine-1",
		Name:         "bot-a",
		Capabilities: []string{"browser"},
		Environment:  "production",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	robot := decodeBody[robotResponse](t, rec)
	assert.NotEmpty(t, robot.ID)

	// Re-registration returns the same robot id.
	rec = doJSON(t, api, http.MethodPost, "/robots", registerRequest{MachineID: "machine-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, robot.ID, decodeBody[robotResponse](t, rec).ID)

	rec = doJSON(t, api, http.MethodPost, "/robots/"+robot.ID+"/heartbeat", heartbeatRequest{
		Status: "idle",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, api, http.MethodGet, "/robots/"+robot.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody[robotResponse](t, rec).Status)

	rec = doJSON(t, api, http.MethodGet, "/robots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[robotListResponse](t, rec).Robots, 1)
}

func TestRegisterRobotRequiresMachineID(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/robots", registerRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
