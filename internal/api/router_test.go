package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotrial/nedrexapi-v2d/internal/api"
	mw "github.com/repotrial/nedrexapi-v2d/internal/api/middleware"
	"github.com/repotrial/nedrexapi-v2d/internal/apikey"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/submit"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

const (
	userKey  = "nx_user_key_123456"
	adminKey = "nx_admin_key_123456"
)

// --- stub keys ---

type stubKeys struct{}

func (stubKeys) lookup(raw string) (*models.APIKey, error) {
	switch raw {
	case userKey:
		return &models.APIKey{ID: uuid.New(), KeyPrefix: raw[:8], Revokable: true}, nil
	case adminKey:
		return &models.APIKey{ID: uuid.New(), KeyPrefix: raw[:8], Scopes: []string{models.ScopeAdmin}}, nil
	}
	return nil, apikey.ErrInvalid
}

func (s stubKeys) Verify(_ context.Context, raw string) (*models.APIKey, error) { return s.lookup(raw) }
func (s stubKeys) Issue(_ context.Context) (string, *models.APIKey, error) {
	k, _ := s.lookup(userKey)
	return userKey, k, nil
}
func (s stubKeys) Revoke(_ context.Context, raw string) error {
	_, err := s.lookup(raw)
	return err
}

// --- stub cache ---

type stubCache struct{}

func (stubCache) Ping(_ context.Context) error { return nil }
func (stubCache) SetJobStatus(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	return nil
}
func (stubCache) GetJobStatus(_ context.Context, _ uuid.UUID) (string, bool, error) {
	return "", false, nil
}
func (stubCache) DeleteJobStatus(_ context.Context, _ uuid.UUID) error { return nil }
func (stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- stub jobs ---

type stubJobs struct{ uid uuid.UUID }

func (s stubJobs) Submit(_ context.Context, _ string, _ []byte, _ submit.Attachment) (uuid.UUID, error) {
	return s.uid, nil
}
func (s stubJobs) Get(_ context.Context, family string, uid uuid.UUID) (*models.Job, error) {
	return &models.Job{UID: uid, Type: family, Status: models.JobStatusRunning}, nil
}
func (s stubJobs) Resubmit(_ context.Context, family string, uid uuid.UUID) (*models.Job, error) {
	return &models.Job{UID: uid, Type: family, Status: models.JobStatusSubmitted}, nil
}
func (s stubJobs) Wait(_ context.Context, uid uuid.UUID) (*models.Job, error) {
	return &models.Job{UID: uid, Status: models.JobStatusCompleted}, nil
}

// --- router tests ---

func newTestRouter(t *testing.T, required bool) http.Handler {
	t.Helper()
	return api.NewRouter(api.Dependencies{
		Auth:           mw.NewAuth(stubKeys{}, required),
		RateLimit:      mw.NewRateLimit(stubCache{}, 60),
		Jobs:           stubJobs{uid: uuid.New()},
		Keys:           stubKeys{},
		Types:          jobtype.Default(),
		DB:             stubCache{},
		Redis:          stubCache{},
		Metrics:        prometheus.NewRegistry(),
		DataDir:        t.TempDir(),
		UploadMaxBytes: 1 << 20,
		WaitTimeout:    time.Minute,
		CORSOrigins:    []string{"*"},
	})
}

func TestRouter_RouteTable(t *testing.T) {
	router := newTestRouter(t, false).(chi.Routes)

	var got []string
	require.NoError(t, chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+route)
		return nil
	}))
	sort.Strings(got)

	want := []string{
		"GET /health",
		"GET /metrics",
		"POST /admin/api_key/generate",
		"GET /admin/api_key/verify",
		"POST /admin/api_key/revoke",
		"POST /admin/resubmit/{jobType}/{uid}",
		"POST /bicon/submit",
		"GET /bicon/clustermap",
		"GET /bicon/download",
		"GET /bicon/status",
		"POST /closeness/submit",
		"GET /closeness/download",
		"GET /closeness/status",
		"POST /diamond/submit",
		"GET /diamond/download",
		"GET /diamond/status",
		"POST /domino/submit",
		"GET /domino/status",
		"POST /kpm/submit",
		"GET /kpm/status",
		"POST /must/submit",
		"GET /must/status",
		"POST /robust/submit",
		"GET /robust/download",
		"GET /robust/results",
		"GET /robust/status",
		"POST /trustrank/submit",
		"GET /trustrank/download",
		"GET /trustrank/status",
		"POST /validation-drug/submit",
		"POST /validation-joint/submit",
		"POST /validation-module/submit",
		"POST /validation/drug",
		"POST /validation/joint",
		"POST /validation/module",
		"GET /validation/status",
	}
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_JobRoutes_RequireKeyWhenConfigured(t *testing.T) {
	router := newTestRouter(t, true)
	uid := uuid.New().String()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/diamond/submit"},
		{"GET", "/diamond/status?uid=" + uid},
		{"GET", "/robust/results?uid=" + uid},
		{"POST", "/validation/joint"},
		{"GET", "/validation/status?uid=" + uid},
		{"GET", "/bicon/clustermap?uid=" + uid},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(ep.method, ep.path, strings.NewReader(`{}`)))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "API_KEY_REQUIRED", errObj["code"])
		})
	}
}

func TestRouter_JobRoutes_AnonymousWhenOptional(t *testing.T) {
	router := newTestRouter(t, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/kpm/submit", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/diamond/download?uid="+uuid.New().String(), nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRouter_KeyRoutes_DoNotRequireKey(t *testing.T) {
	router := newTestRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/admin/api_key/generate", strings.NewReader(`{"accept_eula":true}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest("GET", "/admin/api_key/verify", nil)
	req.Header.Set("x-api-key", "nx_unknown_key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "false", w.Body.String())
}

func TestRouter_Resubmit_RequiresAdminScope(t *testing.T) {
	router := newTestRouter(t, false)
	path := "/admin/resubmit/diamond/" + uuid.New().String()

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"user key", userKey, http.StatusForbidden},
		{"admin key", adminKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", path, nil)
			if tt.key != "" {
				req.Header.Set("x-api-key", tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/graphs/submit", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := newTestRouter(t, true)

	req := httptest.NewRequest("OPTIONS", "/diamond/submit", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "x-api-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
