package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/photobatch/internal/domain"
	"github.com/dunamismax/photobatch/internal/id"
	"github.com/dunamismax/photobatch/internal/queue"
	"github.com/dunamismax/photobatch/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger         *log.Logger
	queueClient    queueEnqueuer
	batchStore     store.BatchStore
	objects        objectLister
	localRoot      string
	rateLimiter    RateLimiter
	clientIDHeader string
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

// Options carries the optional parts of the API. An empty LocalRoot rejects
// local_dir batches; a nil RateLimiter disables throttling.
type Options struct {
	LocalRoot      string
	RateLimiter    RateLimiter
	ClientIDHeader string
}

type queueEnqueuer interface {
	EnqueueNormalizeBatch(ctx context.Context, payload queue.NormalizeBatchPayload) (*asynq.TaskInfo, error)
}

type objectLister interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// NewServer wires the batch routes. objects may be nil, in which case
// object_store inputs are not checked before enqueueing.
func NewServer(logger *log.Logger, queueClient queueEnqueuer, batchStore store.BatchStore, objects objectLister, opts Options) *Server {
	s := &Server{
		logger:         logger,
		queueClient:    queueClient,
		batchStore:     batchStore,
		objects:        objects,
		localRoot:      opts.LocalRoot,
		rateLimiter:    opts.RateLimiter,
		clientIDHeader: opts.ClientIDHeader,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("photobatch/api"),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	input := strings.TrimSpace(req.Input)
	output := strings.TrimSpace(req.Output)
	if sourceType == domain.SourceTypeLocalDir {
		var err error
		if input, err = domain.ResolveLocalPath(s.localRoot, input); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input: " + err.Error()})
			return
		}
		if output, err = domain.ResolveLocalPath(s.localRoot, output); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "output: " + err.Error()})
			return
		}
	}
	if err := s.verifyInput(r.Context(), sourceType, input); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	batch := domain.Batch{
		ID:          id.New(),
		Status:      domain.BatchStatusCreated,
		SourceType:  sourceType,
		Input:       input,
		Output:      output,
		WebhookURL:  strings.TrimSpace(req.WebhookURL),
		Bound:       req.Bound,
		Background:  strings.TrimSpace(req.Background),
		CropPattern: req.CropPattern,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.batchStore.Create(r.Context(), batch); err != nil {
		s.logger.Printf("create batch failed batch_id=%s err=%v", batch.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create batch"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueNormalizeBatch(r.Context(), queue.NormalizeBatchPayload{
		BatchID:     batch.ID,
		SourceType:  batch.SourceType,
		Input:       batch.Input,
		Output:      batch.Output,
		WebhookURL:  batch.WebhookURL,
		Bound:       batch.Bound,
		Background:  batch.Background,
		CropPattern: batch.CropPattern,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed batch_id=%s err=%v", batch.ID, err)
		if _, err := s.batchStore.RecordResult(r.Context(), batch.ID, domain.BatchStatusFailed, domain.BatchResult{}, "enqueue failed"); err != nil {
			s.logger.Printf("record enqueue failure failed batch_id=%s err=%v", batch.ID, err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue batch"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue, batch.SourceType).Inc()

	if _, err := s.batchStore.UpdateStatus(r.Context(), batch.ID, domain.BatchStatusQueued); err != nil {
		s.logger.Printf("update status failed batch_id=%s err=%v", batch.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    batch.ID,
		"status":      domain.BatchStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  "/v1/batches/" + batch.ID,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimSpace(r.PathValue("id"))
	if batchID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batch id is required"})
		return
	}

	batch, ok, err := s.batchStore.Get(r.Context(), batchID)
	if err != nil {
		s.logger.Printf("fetch batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load batch"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
		return
	}

	writeJSON(w, http.StatusOK, batchView(batch))
}

func batchView(batch domain.Batch) map[string]any {
	view := map[string]any{
		"batch_id":    batch.ID,
		"status":      batch.Status,
		"source_type": batch.SourceType,
		"input":       batch.Input,
		"output":      batch.Output,
		"result":      batch.Result,
		"created_at":  batch.CreatedAt,
		"updated_at":  batch.UpdatedAt,
	}
	if batch.Error != "" {
		view["error"] = batch.Error
	}
	return view
}

func (s *Server) verifyInput(ctx context.Context, sourceType, input string) error {
	switch sourceType {
	case domain.SourceTypeLocalDir:
		info, err := os.Stat(input)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("input directory is missing: %s", input)
			}
			return fmt.Errorf("input directory check failed: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("input is not a directory: %s", input)
		}
		return nil
	default:
		if s.objects == nil {
			return nil
		}
		keys, err := s.objects.ListObjects(ctx, input)
		if err != nil {
			return fmt.Errorf("input prefix check failed: %w", err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("input prefix is empty: %s", input)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
