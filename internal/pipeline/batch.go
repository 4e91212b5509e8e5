package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Summary struct {
	Total      int
	Succeeded  int
	Outputs    []string
	Failures   []*ItemError
	CleanupErr error
	StagingDir string
	Duration   time.Duration
}

func (s Summary) Failed() int {
	return len(s.Failures)
}

// Batch normalizes every file of an input directory into an output directory:
// crop-if-pattern and flatten into staging, then bounded resize into output.
type Batch struct {
	logger      *log.Logger
	transformer Transformer
	opts        Options
	tracer      trace.Tracer
}

func NewBatch(logger *log.Logger, opts Options) (*Batch, error) {
	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return newBatchWithTransformer(logger, transformer, opts), nil
}

func newBatchWithTransformer(logger *log.Logger, transformer Transformer, opts Options) *Batch {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Batch{
		logger:      logger,
		transformer: transformer,
		opts:        opts.withDefaults(),
		tracer:      otel.Tracer("photobatch/pipeline"),
	}
}

func (b *Batch) Options() Options {
	return b.opts
}

// Run only returns an error when the batch cannot start; per-item failures
// and cleanup problems are reported through the Summary.
func (b *Batch) Run(ctx context.Context, inputDir, outputDir string) (summary Summary, err error) {
	startedAt := time.Now()

	ctx, span := b.tracer.Start(ctx, "pipeline.run_batch")
	span.SetAttributes(
		attribute.String("batch.input_dir", inputDir),
		attribute.String("batch.output_dir", outputDir),
		attribute.Int("batch.bound", b.opts.Bound),
		attribute.Int("batch.workers", b.opts.Workers),
	)
	defer span.End()

	names, err := listInput(inputDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "input inaccessible")
		return Summary{}, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrOutputInaccessible, outputDir, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "output inaccessible")
		return Summary{}, err
	}

	stagingDir, err := prepareStaging(b.opts.StagingDir, inputDir, outputDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging unavailable")
		return Summary{}, err
	}

	summary = Summary{Total: len(names), StagingDir: stagingDir}
	defer func() {
		if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
			summary.CleanupErr = fmt.Errorf("%w: %s: %w", ErrStagingCleanup, stagingDir, rmErr)
			b.logger.Printf("staging cleanup failed dir=%s err=%v", stagingDir, rmErr)
		}
		summary.Duration = time.Since(startedAt)

		span.SetAttributes(
			attribute.Int("batch.items_total", summary.Total),
			attribute.Int("batch.items_succeeded", summary.Succeeded),
			attribute.Int("batch.items_failed", summary.Failed()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch interrupted")
		} else {
			span.SetStatus(codes.Ok, "processed")
		}
	}()

	b.logger.Printf("batch started input=%s output=%s staging=%s files=%d", inputDir, outputDir, stagingDir, len(names))

	flattenFailures := b.runStage(ctx, StageFlatten, names, func(ctx context.Context, name string) error {
		return b.flattenItem(ctx, inputDir, stagingDir, name)
	})
	summary.Failures = append(summary.Failures, flattenFailures...)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	staged, err := listStaging(stagingDir)
	if err != nil {
		return summary, err
	}

	var (
		outputsMu sync.Mutex
		outputs   []string
	)
	resizeFailures := b.runStage(ctx, StageResize, staged, func(ctx context.Context, name string) error {
		if err := b.resizeItem(ctx, stagingDir, outputDir, name); err != nil {
			return err
		}
		outputsMu.Lock()
		outputs = append(outputs, name)
		outputsMu.Unlock()
		return nil
	})
	summary.Failures = append(summary.Failures, resizeFailures...)

	sort.Strings(outputs)
	summary.Outputs = outputs
	summary.Succeeded = len(outputs)

	b.logger.Printf(
		"batch finished input=%s output=%s succeeded=%d failed=%d",
		inputDir,
		outputDir,
		summary.Succeeded,
		summary.Failed(),
	)
	return summary, ctx.Err()
}

// runStage processes names on at most opts.Workers goroutines and returns once
// every item has finished.
func (b *Batch) runStage(ctx context.Context, stage Stage, names []string, fn func(context.Context, string) error) []*ItemError {
	ctx, span := b.tracer.Start(ctx, "pipeline.stage."+string(stage))
	span.SetAttributes(attribute.Int("stage.items", len(names)))
	defer span.End()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []*ItemError
		sem      = make(chan struct{}, b.opts.Workers)
	)

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(name string) {
			defer func() {
				<-sem
				wg.Done()
			}()

			err := fn(ctx, name)
			if err == nil {
				return
			}

			var itemErr *ItemError
			if !errors.As(err, &itemErr) {
				itemErr = &ItemError{Name: name, Stage: stage, Err: err}
			}
			b.logger.Printf("item failed name=%s stage=%s err=%v", name, stage, itemErr.Err)

			mu.Lock()
			failures = append(failures, itemErr)
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("stage.failures", len(failures)))
	return failures
}

func (b *Batch) flattenItem(ctx context.Context, inputDir, stagingDir, name string) error {
	data, err := os.ReadFile(filepath.Join(inputDir, name))
	if err != nil {
		return &ItemError{Name: name, Stage: StageFlatten, Err: fmt.Errorf("%w: read source: %w", ErrDecode, err)}
	}

	out, err := b.transformer.Flatten(ctx, name, data, b.opts)
	if err != nil {
		return &ItemError{Name: name, Stage: StageFlatten, Err: err}
	}

	if err := writeFileAtomic(filepath.Join(stagingDir, name), out); err != nil {
		return &ItemError{Name: name, Stage: StageFlatten, Err: fmt.Errorf("%w: %w", ErrWrite, err)}
	}
	return nil
}

func (b *Batch) resizeItem(ctx context.Context, stagingDir, outputDir, name string) error {
	data, err := os.ReadFile(filepath.Join(stagingDir, name))
	if err != nil {
		return &ItemError{Name: name, Stage: StageResize, Err: fmt.Errorf("%w: read staged file: %w", ErrDecode, err)}
	}

	out, err := b.transformer.Resize(ctx, name, data, b.opts)
	if err != nil {
		return &ItemError{Name: name, Stage: StageResize, Err: err}
	}

	if err := writeFileAtomic(filepath.Join(outputDir, name), out); err != nil {
		return &ItemError{Name: name, Stage: StageResize, Err: fmt.Errorf("%w: %w", ErrWrite, err)}
	}
	return nil
}
