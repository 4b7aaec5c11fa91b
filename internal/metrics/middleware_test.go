package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareDefaultStatus(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/health", "200")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/track/open/{logID}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/track/open/"+id, nil))
	}

	got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/track/open/{logID}", "200"))
	if got != 3 {
		t.Errorf("requests for route pattern = %v, want 3", got)
	}
}

func TestHTTPMiddlewareCountsErrors(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/campaigns/550e8400-e29b-41d4-a716-446655440000", nil))

	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("not_found errors = %v, want 1", got)
	}
	got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "404"))
	if got != 1 {
		t.Errorf("normalized path requests = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestIsID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"not-a-uuid", false},
		{"550e8400e29b41d4a716446655440000", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isID(tt.input); got != tt.want {
			t.Errorf("isID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{500, "server_error"},
		{429, "rate_limited"},
		{404, "not_found"},
		{409, "conflict"},
		{413, "too_large"},
		{400, "bad_request"},
		{422, "client_error"},
		{200, "unknown"},
	}

	for _, tt := range tests {
		if got := errorClass(tt.status); got != tt.want {
			t.Errorf("errorClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
