package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/photobatch/internal/domain"
	"github.com/dunamismax/photobatch/internal/queue"
	"github.com/dunamismax/photobatch/internal/ratelimit"
	"github.com/dunamismax/photobatch/internal/store"
	"github.com/hibiken/asynq"
)

type fakeQueue struct {
	payloads []queue.NormalizeBatchPayload
	err      error
}

func (q *fakeQueue) EnqueueNormalizeBatch(_ context.Context, payload queue.NormalizeBatchPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	if q.err != nil {
		return nil, q.err
	}
	return &asynq.TaskInfo{ID: payload.BatchID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeLister struct {
	keys []string
}

func (l fakeLister) ListObjects(context.Context, string) ([]string, error) {
	return l.keys, nil
}

// newTestServer confines local_dir batches to the test's temp root, so every
// later t.TempDir lies inside it.
func newTestServer(t *testing.T, q *fakeQueue, objects objectLister) (*Server, *store.MemoryBatchStore) {
	t.Helper()
	batches := store.NewMemoryBatchStore()
	root := filepath.Dir(t.TempDir())
	return NewServer(log.New(io.Discard, "", 0), q, batches, objects, Options{LocalRoot: root}), batches
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response: %v body=%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestCreateAndGetBatch(t *testing.T) {
	q := &fakeQueue{}
	s, batches := newTestServer(t, q, nil)
	h := s.Handler()

	input := t.TempDir()
	body := `{"source_type":"local_dir","input":"` + input + `","output":"` + input + `-out","bound":800,"crop_pattern":""}`
	rec, resp := doRequest(t, h, http.MethodPost, "/v1/batches", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	batchID, _ := resp["batch_id"].(string)
	if batchID == "" || resp["status"] != domain.BatchStatusQueued {
		t.Fatalf("unexpected create response: %v", resp)
	}
	if len(q.payloads) != 1 || q.payloads[0].Bound != 800 {
		t.Fatalf("unexpected enqueued payloads: %+v", q.payloads)
	}
	if q.payloads[0].CropPattern == nil || *q.payloads[0].CropPattern != "" {
		t.Fatalf("expected explicit empty crop pattern in payload")
	}

	stored, ok, _ := batches.Get(context.Background(), batchID)
	if !ok || stored.Status != domain.BatchStatusQueued {
		t.Fatalf("expected queued batch in store, got %+v", stored)
	}

	rec, resp = doRequest(t, h, http.MethodGet, "/v1/batches/"+batchID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp["batch_id"] != batchID || resp["status"] != domain.BatchStatusQueued {
		t.Fatalf("unexpected get response: %v", resp)
	}
	if _, ok := resp["result"].(map[string]any); !ok {
		t.Fatalf("expected result counts in response: %v", resp)
	}
}

func TestCreateBatchRejections(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueue{}, fakeLister{})
	h := s.Handler()

	missing := filepath.Join(s.localRoot, "missing")
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"source_type":"local_dir","input":"a","output":"b","pipeline":[]}`, want: http.StatusBadRequest},
		{name: "invalid", body: `{"source_type":"ftp"}`, want: http.StatusBadRequest},
		{name: "missing local input", body: `{"source_type":"local_dir","input":"` + missing + `","output":"` + missing + `-out"}`, want: http.StatusConflict},
		{name: "input outside local root", body: `{"source_type":"local_dir","input":"/etc","output":"` + missing + `-out"}`, want: http.StatusBadRequest},
		{name: "output outside local root", body: `{"source_type":"local_dir","input":"` + missing + `","output":"/var/tmp/out"}`, want: http.StatusBadRequest},
		{name: "output is local root", body: `{"source_type":"local_dir","input":"` + missing + `","output":"` + s.localRoot + `"}`, want: http.StatusBadRequest},
		{name: "empty prefix", body: `{"source_type":"object_store","input":"batches/x/in","output":"batches/x/out"}`, want: http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doRequest(t, h, http.MethodPost, "/v1/batches", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateBatchEnqueueFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis down")}
	s, batches := newTestServer(t, q, fakeLister{keys: []string{"batches/x/in/a.png"}})

	rec, _ := doRequest(t, s.Handler(), http.MethodPost, "/v1/batches", `{"source_type":"object_store","input":"batches/x/in","output":"batches/x/out"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	if len(q.payloads) != 1 {
		t.Fatalf("expected one enqueue attempt, got %d", len(q.payloads))
	}
	b, ok, _ := batches.Get(context.Background(), q.payloads[0].BatchID)
	if !ok || b.Status != domain.BatchStatusFailed {
		t.Fatalf("expected failed batch after enqueue error, got %+v", b)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueue{}, nil)
	rec, _ := doRequest(t, s.Handler(), http.MethodGet, "/v1/batches/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/batches":     "/v1/batches",
		"/v1/batches/abc": "/v1/batches/{id}",
		"/healthz":        "/healthz",
		"/metrics":        "/metrics",
		"/random/path":    "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueue{}, nil)
	h := s.Handler()

	rec, resp := doRequest(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("unexpected healthz response: %d %v", rec.Code, resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK || !strings.Contains(mrec.Body.String(), "photobatch_api_requests_total") {
		t.Fatalf("expected api metrics to be exposed, got %d", mrec.Code)
	}
}

func TestCreateBatchLocalDirDisabledWithoutRoot(t *testing.T) {
	q := &fakeQueue{}
	s := NewServer(log.New(io.Discard, "", 0), q, store.NewMemoryBatchStore(), nil, Options{})

	input := t.TempDir()
	rec, _ := doRequest(t, s.Handler(), http.MethodPost, "/v1/batches", `{"source_type":"local_dir","input":"`+input+`","output":"`+input+`-out"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(q.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(q.payloads))
	}
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (l *fakeLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	return l.decision, l.err
}

func TestCreateBatchRateLimited(t *testing.T) {
	q := &fakeQueue{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2400 * time.Millisecond}}
	s := NewServer(log.New(io.Discard, "", 0), q, store.NewMemoryBatchStore(), fakeLister{keys: []string{"in/a.png"}}, Options{
		RateLimiter:    limiter,
		ClientIDHeader: "X-Client-ID",
	})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"source_type":"object_store","input":"in","output":"out"}`))
	req.Header.Set("X-Client-ID", "studio-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if len(q.payloads) != 0 {
		t.Fatal("rate limited request must not enqueue")
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "studio-7:/v1/batches" {
		t.Fatalf("unexpected limiter subjects: %v", limiter.subjects)
	}

	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(mrec.Body.String(), `photobatch_api_rate_limit_rejections_total{route="/v1/batches"} 1`) {
		t.Fatal("expected rate limit rejection to be counted")
	}

	if rec, _ := doRequest(t, h, http.MethodGet, "/v1/batches/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("reads must not be rate limited, got %d", rec.Code)
	}
	if len(limiter.subjects) != 1 {
		t.Fatalf("expected only the create to be checked, got %v", limiter.subjects)
	}
}

func TestCreateBatchLimiterErrorFailsOpen(t *testing.T) {
	q := &fakeQueue{}
	limiter := &fakeLimiter{err: errors.New("redis down")}
	s := NewServer(log.New(io.Discard, "", 0), q, store.NewMemoryBatchStore(), fakeLister{keys: []string{"in/a.png"}}, Options{RateLimiter: limiter})

	rec, _ := doRequest(t, s.Handler(), http.MethodPost, "/v1/batches", `{"source_type":"object_store","input":"in","output":"out"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	// httptest requests come from 192.0.2.1:1234.
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "192.0.2.1:/v1/batches" {
		t.Fatalf("expected remote host subject, got %v", limiter.subjects)
	}
}
