package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"estatesync/server/config"
	"estatesync/server/internal/database"
	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"
	"estatesync/server/internal/scheduler"
	"estatesync/server/internal/syncer"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) Sync(ctx context.Context, req syncer.Request) (*syncer.Stats, error) {
	args := m.Called(req)
	stats, _ := args.Get(0).(*syncer.Stats)
	return stats, args.Error(1)
}

func (m *MockSyncer) Running(objectType models.ObjectType) bool {
	args := m.Called(objectType)
	return args.Bool(0)
}

type testServer struct {
	db     *database.Database
	syncer *MockSyncer
	router *gin.Engine
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Scheduler.Timezone = "UTC"
	m := &MockSyncer{}
	sched, err := scheduler.NewScheduler(db.GetDB(), m, cfg, nil)
	require.NoError(t, err)

	handler := NewHandler(db, m, sched, nil)
	return &testServer{db: db, syncer: m, router: NewRouter(handler, []string{"http://localhost:3000"})}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestRunSync(t *testing.T) {
	s := setupServer(t)
	s.syncer.On("Running", models.ObjectCommercialBlock).Return(false)
	s.syncer.On("Sync", mock.MatchedBy(func(req syncer.Request) bool {
		return req.ObjectType == models.ObjectCommercialBlock &&
			req.Trigger == syncer.TriggerManual &&
			req.Options == models.DefaultSyncOptions()
	})).Return(&syncer.Stats{RunID: "r1", Created: 2}, nil)

	w := s.do(t, http.MethodPost, "/api/sync/commercial-block", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats syncer.Stats
	decode(t, w, &stats)
	assert.Equal(t, "r1", stats.RunID)
	assert.Equal(t, 2, stats.Created)
}

func TestRunSyncWithOptions(t *testing.T) {
	s := setupServer(t)
	want := models.DefaultSyncOptions()
	want.ForceUpdate = true
	want.SkipErrors = false

	s.syncer.On("Running", models.ObjectPlot).Return(false)
	s.syncer.On("Sync", mock.MatchedBy(func(req syncer.Request) bool {
		return req.Options == want && len(req.Cities) == 1 && req.Cities[0] == "2"
	})).Return(&syncer.Stats{}, nil)

	w := s.do(t, http.MethodPost, "/api/sync/plot", map[string]interface{}{
		"cities":  []string{"2"},
		"options": map[string]bool{"force_update": true, "skip_errors": false},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	s.syncer.AssertExpectations(t)
}

func TestRunSyncPartialOptionsKeepDefaults(t *testing.T) {
	s := setupServer(t)
	s.syncer.On("Running", models.ObjectBlock).Return(false)
	s.syncer.On("Sync", mock.Anything).Return(&syncer.Stats{}, nil)

	w := s.do(t, http.MethodPost, "/api/sync/block", map[string]interface{}{
		"options": map[string]bool{"force_update": true},
	})
	require.Equal(t, http.StatusOK, w.Code)

	req := s.syncer.Calls[len(s.syncer.Calls)-1].Arguments.Get(0).(syncer.Request)
	assert.True(t, req.Options.ForceUpdate)
	assert.True(t, req.Options.UpdateExisting)
	assert.True(t, req.Options.TrackChanges)
	assert.True(t, req.Options.LogErrors)
	assert.True(t, req.Options.SkipErrors)

	w = s.do(t, http.MethodPost, "/api/sync/block", map[string]interface{}{
		"options": []int{1},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunSyncErrors(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		s := setupServer(t)
		w := s.do(t, http.MethodPost, "/api/sync/castle", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("already running", func(t *testing.T) {
		s := setupServer(t)
		s.syncer.On("Running", models.ObjectBlock).Return(true)
		w := s.do(t, http.MethodPost, "/api/sync/block", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		s.syncer.AssertNotCalled(t, "Sync", mock.Anything)
	})

	t.Run("failed run", func(t *testing.T) {
		s := setupServer(t)
		s.syncer.On("Running", models.ObjectBlock).Return(false)
		s.syncer.On("Sync", mock.Anything).Return(&syncer.Stats{Errors: 1}, errlog.Transport(errors.New("status 502")))

		w := s.do(t, http.MethodPost, "/api/sync/block", nil)
		require.Equal(t, http.StatusInternalServerError, w.Code)

		var body map[string]interface{}
		decode(t, w, &body)
		assert.Equal(t, "transport", body["kind"])
		assert.NotNil(t, body["stats"])
	})
}

func TestScheduleEndpoints(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/schedules", map[string]interface{}{
		"name": "nightly", "object_type": "block", "time_from": "25:00", "time_to": "06:00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/schedules", map[string]interface{}{
		"name": "nightly", "object_type": "block", "time_from": "22:00", "time_to": "06:00", "cities": []string{"1"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Schedule
	decode(t, w, &created)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "all", created.Weekdays)
	assert.True(t, created.IsActive)
	assert.Equal(t, models.DefaultSyncOptions(), created.Options.Data())

	w = s.do(t, http.MethodPost, "/api/schedules", map[string]interface{}{
		"name": "forced", "object_type": "plot", "time_from": "01:00", "time_to": "02:00",
		"options": map[string]bool{"force_update": true},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var forced models.Schedule
	decode(t, w, &forced)
	assert.True(t, forced.Options.Data().ForceUpdate)
	assert.True(t, forced.Options.Data().UpdateExisting)
	assert.True(t, forced.Options.Data().TrackChanges)
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", forced.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/api/schedules", map[string]interface{}{
		"name": "nightly", "object_type": "plot", "time_from": "22:00", "time_to": "06:00",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, fmt.Sprintf("/api/schedules/%d", created.ID), map[string]interface{}{
		"name": "nightly", "object_type": "village", "time_from": "21:00", "time_to": "05:00", "weekdays": "6,7",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Schedule
	decode(t, w, &updated)
	assert.Equal(t, models.ObjectVillage, updated.ObjectType)
	assert.Equal(t, "21:00", updated.TimeFrom)

	w = s.do(t, http.MethodPut, "/api/schedules/999", map[string]interface{}{
		"name": "other", "object_type": "village", "time_from": "21:00", "time_to": "05:00",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Schedule
	decode(t, w, &list)
	assert.Len(t, list, 1)

	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", created.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/schedules/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunDueSchedulesEndpoint(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/schedules/run-due", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"schedule_ids": []}`, w.Body.String())
}

func TestErrorWorkflow(t *testing.T) {
	s := setupServer(t)
	recorder := errlog.NewRecorder(s.db.GetDB(), nil)
	row, err := recorder.Record(context.Background(), errlog.Failure{
		RunID:      "run-1",
		ObjectType: models.ObjectParking,
		ExternalID: "p-1",
		Err:        errlog.Validation("price", errors.New("negative amount")),
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/errors?status=unresolved&object_type=parking", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []models.ParserError `json:"items"`
		Total int64                `json:"total"`
	}
	decode(t, w, &page)
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "price", page.Items[0].Field)

	path := fmt.Sprintf("/api/errors/%d", row.ID)
	w = s.do(t, http.MethodPost, path+"/resolve", NoteRequest{Note: "fixed upstream"})
	require.Equal(t, http.StatusOK, w.Code)
	var resolved models.ParserError
	decode(t, w, &resolved)
	assert.Equal(t, models.ErrorStatusResolved, resolved.Status)
	assert.Equal(t, "fixed upstream", resolved.ResolutionNote)

	w = s.do(t, http.MethodPost, path+"/ignore", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, path+"/reopen", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, path+"/ignore", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/errors/999/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/errors?object_type=castle", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListingEndpoints(t *testing.T) {
	s := setupServer(t)
	ext := "plot-1"
	plot := &models.Plot{
		ListingBase: models.ListingBase{ExternalID: &ext, GUID: "plot-1", Name: "Plot", DataSource: models.DataSourceParser, IsActive: true},
		Price:       100000,
	}
	require.NoError(t, s.db.GetDB().Create(plot).Error)

	w := s.do(t, http.MethodGet, "/api/listings/plot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []models.Plot `json:"items"`
		Total int64         `json:"total"`
	}
	decode(t, w, &page)
	assert.EqualValues(t, 1, page.Total)

	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/listings/plot/%d", plot.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/listings/plot/%d", plot.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/listings/plot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.EqualValues(t, 0, page.Total)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/listings/plot/%d/history", plot.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history database.ListingHistory
	decode(t, w, &history)
	assert.Equal(t, models.Owner{Type: models.ObjectPlot, ID: plot.ID}, history.Owner)

	w = s.do(t, http.MethodGet, "/api/listings/plot/999/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/listings/castle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRuns(t *testing.T) {
	s := setupServer(t)
	require.NoError(t, s.db.GetDB().Create(&models.SyncRun{
		RunID: "run-1", ObjectType: models.ObjectBlock, Trigger: syncer.TriggerCLI, Status: models.RunStatusSucceeded,
	}).Error)

	w := s.do(t, http.MethodGet, "/api/runs?object_type=block", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []models.SyncRun
	decode(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}

func TestCORSPreflight(t *testing.T) {
	s := setupServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
