package scheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condohq/seatbill/internal/auth"
	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func schedulerTestRouter(t *testing.T) (*gin.Engine, *Scheduler) {
	t.Helper()

	tenants := tenant.NewMemoryStore(events.NewMemoryStore())
	seedSweepTenant(t, tenants, "ten_due", tenant.StatusActive, time.Now().UTC().AddDate(0, 0, -1))
	s := newTestScheduler(t, tenants)

	h := NewHandler(s)
	r := gin.New()
	billing := r.Group("/v1/billing", auth.Middleware(""))
	h.RegisterRoutes(billing)
	return r, s
}

func doRequest(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func rootHeaders() map[string]string {
	return map[string]string{
		auth.HeaderUserID:   "root_1",
		auth.HeaderUserRole: "super_admin",
	}
}

func TestStatusHandler(t *testing.T) {
	r, _ := schedulerTestRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/billing/scheduler/status", rootHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Running)
	assert.Equal(t, "@every 1h", st.Schedule)
	assert.Nil(t, st.NextFire)
	assert.Nil(t, st.LastRun)
}

func TestRunNowHandler(t *testing.T) {
	r, _ := schedulerTestRouter(t)

	w := doRequest(r, http.MethodPost, "/v1/billing/scheduler/run-now", rootHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Run Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, TriggerManual, resp.Run.Trigger)
	assert.Equal(t, 1, resp.Run.TenantsProcessed)
	assert.Equal(t, 1, resp.Run.TransitionsApplied)

	// The run is now visible in both status and history.
	w = doRequest(r, http.MethodGet, "/v1/billing/scheduler/status", rootHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.NotNil(t, st.LastRun)
	assert.Equal(t, resp.Run.ID, st.LastRun.ID)

	w = doRequest(r, http.MethodGet, "/v1/billing/scheduler/history", rootHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Runs  []Run `json:"runs"`
		Count int   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 1, hist.Count)
}

func TestRunNowHandlerConflict(t *testing.T) {
	r, s := schedulerTestRouter(t)

	s.running.Store(true)
	defer s.running.Store(false)

	w := doRequest(r, http.MethodPost, "/v1/billing/scheduler/run-now", rootHeaders())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "state_conflict")
}

func TestHistoryHandlerValidatesLimit(t *testing.T) {
	r, _ := schedulerTestRouter(t)

	for _, limit := range []string{"0", "201", "abc"} {
		w := doRequest(r, http.MethodGet, "/v1/billing/scheduler/history?limit="+limit, rootHeaders())
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}

	w := doRequest(r, http.MethodGet, "/v1/billing/scheduler/history?limit=5", rootHeaders())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":[]`)
}

func TestSchedulerRoutesRequireSuperAdmin(t *testing.T) {
	r, _ := schedulerTestRouter(t)

	admin := map[string]string{
		auth.HeaderUserID:   "usr_admin",
		auth.HeaderUserRole: "administrator",
		auth.HeaderTenantID: "ten_due",
	}
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/v1/billing/scheduler/status"},
		{http.MethodGet, "/v1/billing/scheduler/history"},
		{http.MethodPost, "/v1/billing/scheduler/run-now"},
	} {
		w := doRequest(r, route.method, route.path, admin)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", route.method, route.path)
	}
}
