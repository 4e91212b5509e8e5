package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dunamismax/photobatch/internal/config"
	"github.com/dunamismax/photobatch/internal/domain"
	"github.com/dunamismax/photobatch/internal/lock"
	"github.com/dunamismax/photobatch/internal/pipeline"
	"github.com/dunamismax/photobatch/internal/queue"
	"github.com/dunamismax/photobatch/internal/store"
	"github.com/dunamismax/photobatch/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type batchRunner interface {
	Run(ctx context.Context, inputDir, outputDir string) (pipeline.Summary, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// lease is a held output-target lock.
type lease interface {
	Key() string
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// locker serializes batches writing to the same output target.
type locker interface {
	Lock(ctx context.Context, subject string) (lease, error)
}

type redisLocker struct {
	lock *lock.RedisLock
}

func (l redisLocker) Lock(ctx context.Context, subject string) (lease, error) {
	return l.lock.Acquire(ctx, subject)
}

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	baseOpts      pipeline.Options
	newBatch      func(opts pipeline.Options) (batchRunner, error)
	objects       pipeline.ObjectStore
	scratchDir    string
	localRoot     string
	locker        locker
	lockRefresh   time.Duration
	webhookClient webhookSender
	batchStore    store.BatchStore
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	cfg config.Config,
	objects pipeline.ObjectStore,
	webhookClient *webhook.Client,
	batchStore store.BatchStore,
	batchLock *lock.RedisLock,
) (*Server, error) {
	if batchStore == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	baseOpts, err := cfg.Batch.Options()
	if err != nil {
		return nil, fmt.Errorf("batch options: %w", err)
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			cfg.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues: map[string]int{
					cfg.Queue.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:      make(chan struct{}, max(1, cfg.Worker.MaxActiveBatches)),
		baseOpts: baseOpts,
		newBatch: func(opts pipeline.Options) (batchRunner, error) {
			b, err := pipeline.NewBatch(logger, opts)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		objects:    objects,
		scratchDir: cfg.Worker.ScratchDir,
		localRoot:  cfg.Worker.LocalRoot,
		batchStore: batchStore,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("photobatch/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	if batchLock != nil {
		s.locker = redisLocker{lock: batchLock}
		s.lockRefresh = max(time.Second, batchLock.TTL()/3)
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeNormalizeBatch, s.handleNormalizeBatch)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleNormalizeBatch(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseNormalizeBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.process(ctx, payload)
}

func (s *Server) process(ctx context.Context, payload queue.NormalizeBatchPayload) error {
	startedAt := time.Now()
	outcome := domain.BatchStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.normalize_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.String("batch.source_type", payload.SourceType),
		attribute.String("batch.output", payload.Output),
	)
	defer span.End()

	if s.locker != nil {
		held, err := s.locker.Lock(ctx, payload.SourceType+":"+payload.Output)
		if err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				s.metrics.lockContention.Inc()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "output target locked")
			return fmt.Errorf("lock output target: %w", err)
		}

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		stop := s.keepLease(ctx, cancel, payload.BatchID, held)
		defer func() {
			stop()
			cancel(nil)
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Printf("batch lock release failed batch_id=%s key=%s err=%v", payload.BatchID, held.Key(), err)
			}
		}()
	}

	defer func() {
		s.metrics.batchDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.batchesTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeBatches.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeBatches.Dec()
	}()

	s.logger.Printf(
		"batch working batch_id=%s source_type=%s input=%s output=%s",
		payload.BatchID,
		payload.SourceType,
		payload.Input,
		payload.Output,
	)
	s.updateStatus(ctx, payload.BatchID, domain.BatchStatusProcessing)

	summary, err := s.runBatch(ctx, payload)
	if cause := context.Cause(ctx); err != nil && cause != nil && !errors.Is(err, cause) {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	result := resultFromSummary(summary)
	s.recordItems(summary)
	if err != nil {
		s.recordResult(ctx, payload.BatchID, domain.BatchStatusFailed, result, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		s.dispatchWebhook(ctx, payload, webhook.EventBatchFailed, map[string]any{
			"batch_id":     payload.BatchID,
			"status":       domain.BatchStatusFailed,
			"source_type":  payload.SourceType,
			"input":        payload.Input,
			"output":       payload.Output,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if permanent(err) {
			return fmt.Errorf("run batch: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run batch: %w", err)
	}

	s.logger.Printf(
		"batch processed batch_id=%s total=%d succeeded=%d failed=%d",
		payload.BatchID,
		result.Total,
		result.Succeeded,
		result.Failed,
	)
	s.recordResult(ctx, payload.BatchID, domain.BatchStatusSucceeded, result, "")
	s.dispatchWebhook(ctx, payload, webhook.EventBatchCompleted, map[string]any{
		"batch_id":     payload.BatchID,
		"status":       domain.BatchStatusSucceeded,
		"source_type":  payload.SourceType,
		"input":        payload.Input,
		"output":       payload.Output,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"result":       result,
	})

	outcome = domain.BatchStatusSucceeded
	span.SetAttributes(
		attribute.Int("batch.items_succeeded", result.Succeeded),
		attribute.Int("batch.items_failed", result.Failed),
	)
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// keepLease extends held every lockRefresh until stop is called. Losing the
// lease cancels the batch so a second owner never writes the same target.
func (s *Server) keepLease(ctx context.Context, cancel context.CancelCauseFunc, batchID string, held lease) (stop func()) {
	if s.lockRefresh <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.lockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := held.Extend(ctx)
				if err == nil {
					continue
				}
				s.logger.Printf("batch lock extend failed batch_id=%s key=%s err=%v", batchID, held.Key(), err)
				if errors.Is(err, lock.ErrLockHeld) {
					s.metrics.lockLost.Inc()
					cancel(fmt.Errorf("lost output target lock: %w", err))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *Server) runBatch(ctx context.Context, payload queue.NormalizeBatchPayload) (pipeline.Summary, error) {
	opts, err := s.optionsFor(payload)
	if err != nil {
		return pipeline.Summary{}, err
	}
	runner, err := s.newBatch(opts)
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("build batch: %w", err)
	}

	switch payload.SourceType {
	case domain.SourceTypeLocalDir:
		input, err := domain.ResolveLocalPath(s.localRoot, payload.Input)
		if err != nil {
			return pipeline.Summary{}, fmt.Errorf("input: %w", err)
		}
		output, err := domain.ResolveLocalPath(s.localRoot, payload.Output)
		if err != nil {
			return pipeline.Summary{}, fmt.Errorf("output: %w", err)
		}
		return runner.Run(ctx, input, output)
	case domain.SourceTypeObjectStore:
		return s.runObjectStore(ctx, runner, payload)
	default:
		return pipeline.Summary{}, fmt.Errorf("%w: %s", errUnsupportedSource, payload.SourceType)
	}
}

// runObjectStore mirrors the input prefix into scratch space, normalizes it
// locally and uploads the output directory to the output prefix.
func (s *Server) runObjectStore(ctx context.Context, runner batchRunner, payload queue.NormalizeBatchPayload) (pipeline.Summary, error) {
	if s.objects == nil {
		return pipeline.Summary{}, errors.New("object store is not configured")
	}

	scratch, err := os.MkdirTemp(s.scratchDir, "batch-"+payload.BatchID+"-")
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.Printf("scratch cleanup failed batch_id=%s dir=%s err=%v", payload.BatchID, scratch, err)
		}
	}()

	inputDir := filepath.Join(scratch, "input")
	outputDir := filepath.Join(scratch, "output")

	downloaded, err := pipeline.DownloadPrefix(ctx, s.objects, payload.Input, inputDir)
	s.metrics.objectsTotal.WithLabelValues("download").Add(float64(downloaded))
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("download input prefix: %w", err)
	}

	summary, err := runner.Run(ctx, inputDir, outputDir)
	if err != nil {
		return summary, err
	}

	uploaded, err := pipeline.UploadDir(ctx, s.objects, outputDir, payload.Output)
	s.metrics.objectsTotal.WithLabelValues("upload").Add(float64(uploaded))
	if err != nil {
		return summary, fmt.Errorf("upload output prefix: %w", err)
	}

	s.logger.Printf("batch objects transferred batch_id=%s downloaded=%d uploaded=%d", payload.BatchID, downloaded, uploaded)
	return summary, nil
}

func (s *Server) optionsFor(payload queue.NormalizeBatchPayload) (pipeline.Options, error) {
	opts := s.baseOpts
	if payload.Bound > 0 {
		opts.Bound = payload.Bound
	}
	if payload.Background != "" {
		bg, err := config.ParseBackground(payload.Background)
		if err != nil {
			return pipeline.Options{}, fmt.Errorf("%w: %w", errInvalidOptions, err)
		}
		opts.Background = bg
	}
	if payload.CropPattern != nil {
		opts.CropPattern = *payload.CropPattern
	}
	// Staging always sits next to each batch's own output.
	opts.StagingDir = ""
	return opts, nil
}

var (
	errUnsupportedSource = errors.New("unsupported source type")
	errInvalidOptions    = errors.New("invalid batch options")
)

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, errUnsupportedSource) ||
		errors.Is(err, errInvalidOptions) ||
		errors.Is(err, domain.ErrLocalDirDisabled) ||
		errors.Is(err, domain.ErrOutsideLocalRoot) ||
		errors.Is(err, pipeline.ErrInputInaccessible) ||
		errors.Is(err, pipeline.ErrOutputInaccessible)
}

func resultFromSummary(summary pipeline.Summary) domain.BatchResult {
	result := domain.BatchResult{
		Total:      summary.Total,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed(),
		DurationMS: summary.Duration.Milliseconds(),
	}
	for _, failure := range summary.Failures {
		result.Failures = append(result.Failures, failure.Error())
	}
	return result
}

func (s *Server) recordItems(summary pipeline.Summary) {
	s.metrics.itemsTotal.WithLabelValues("succeeded").Add(float64(summary.Succeeded))
	s.metrics.itemsTotal.WithLabelValues("failed").Add(float64(summary.Failed()))
	for _, failure := range summary.Failures {
		kind := "other"
		if k := failure.Kind(); k != nil {
			kind = k.Error()
		}
		s.metrics.itemFailuresTotal.WithLabelValues(string(failure.Stage), kind).Inc()
	}
	if summary.CleanupErr != nil {
		s.logger.Printf("batch staging residue dir=%s err=%v", summary.StagingDir, summary.CleanupErr)
	}
}

func (s *Server) updateStatus(ctx context.Context, batchID, status string) {
	if _, err := s.batchStore.UpdateStatus(ctx, batchID, status); err != nil {
		s.logger.Printf("batch status update failed batch_id=%s status=%s err=%v", batchID, status, err)
	}
}

func (s *Server) recordResult(ctx context.Context, batchID, status string, result domain.BatchResult, errMsg string) {
	if _, err := s.batchStore.RecordResult(context.WithoutCancel(ctx), batchID, status, result, errMsg); err != nil {
		s.logger.Printf("batch result write failed batch_id=%s status=%s err=%v", batchID, status, err)
	}
}

// dispatchWebhook logs delivery failures without failing the task.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.NormalizeBatchPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed batch_id=%s event=%s err=%v", payload.BatchID, event, err)
	}
}
