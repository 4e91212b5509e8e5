package composite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/photobatch/internal/naming"
	"github.com/dunamismax/photobatch/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTextLayer    = "Facts"
	DefaultScalePercent = 100
	DefaultMaxAttempts  = 5

	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Config.Extension names the derived outputs, so a requested "jpeg" stays
// "jpeg" on disk. Empty uses Format.
type Config struct {
	TemplatePath string
	Format       Format
	Extension    string
	TextLayer    string
	TextContent  string
	ScalePercent float64
	CropPattern  string
	JPEGQuality  int

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type ImageFailure struct {
	Folder string
	Image  string
	Err    error
}

type Report struct {
	Folders  int
	Images   int
	Exported int
	Outputs  []string
	// Unrenamed lists exported files whose source name could not be
	// derived and was kept verbatim.
	Unrenamed []string
	Failures  []ImageFailure
}

func (r Report) Failed() int {
	return len(r.Failures)
}

// Session places every image of a set of folders into a template document
// and exports one file per image, one document at a time.
type Session struct {
	logger *log.Logger
	cfg    Config
	tracer trace.Tracer
}

func NewSession(logger *log.Logger, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.TemplatePath) == "" {
		return nil, errors.New("template path is required")
	}
	if cfg.Format == "" {
		cfg.Format = FormatJPG
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	cfg.Extension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Extension)), ".")
	if cfg.Extension == "" {
		cfg.Extension = string(cfg.Format)
	}
	if f, err := ParseFormat(cfg.Extension); err != nil || f != cfg.Format {
		return nil, fmt.Errorf("extension %q does not match format %s", cfg.Extension, cfg.Format)
	}
	if cfg.ScalePercent <= 0 {
		cfg.ScalePercent = DefaultScalePercent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.InitialBackoff)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	return &Session{
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("photobatch/composite"),
	}, nil
}

// Run only returns an error when the editor connection is unusable, the
// output root cannot be created, or ctx is cancelled. Image failures are
// logged and reported.
func (s *Session) Run(ctx context.Context, conn *Connection, folders []string, outputRoot string) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "composite.run")
	span.SetAttributes(
		attribute.Int("composite.folders", len(folders)),
		attribute.String("composite.format", string(s.cfg.Format)),
	)
	defer span.End()

	var report Report
	if _, err := conn.Editor(); err != nil {
		span.SetStatus(codes.Error, "not connected")
		return report, err
	}
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		span.SetStatus(codes.Error, "output root unavailable")
		return report, fmt.Errorf("create output root %s: %w", outputRoot, err)
	}

	cropDir, err := os.MkdirTemp("", "photobatch-crop-*")
	if err != nil {
		span.SetStatus(codes.Error, "crop dir unavailable")
		return report, fmt.Errorf("create crop dir: %w", err)
	}
	defer os.RemoveAll(cropDir)

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.runFolder(ctx, conn, folder, outputRoot, cropDir, &report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "composite interrupted")
			return report, err
		}
		report.Folders++
	}

	span.SetAttributes(
		attribute.Int("composite.images", report.Images),
		attribute.Int("composite.exported", report.Exported),
		attribute.Int("composite.failed", report.Failed()),
	)
	span.SetStatus(codes.Ok, "processed")
	return report, nil
}

func (s *Session) runFolder(ctx context.Context, conn *Connection, folder, outputRoot, cropDir string, report *Report) error {
	label := filepath.Base(filepath.Clean(folder))
	outDir := filepath.Join(outputRoot, label)

	entries, err := os.ReadDir(folder)
	if err != nil {
		s.logger.Printf("folder unreadable folder=%s err=%v", folder, err)
		report.Failures = append(report.Failures, ImageFailure{Folder: folder, Err: err})
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		s.logger.Printf("output folder unavailable folder=%s output=%s err=%v", folder, outDir, err)
		report.Failures = append(report.Failures, ImageFailure{Folder: folder, Err: err})
		return nil
	}

	s.logger.Printf("folder started folder=%s group=%s output=%s", folder, label, outDir)
	for _, entry := range entries {
		if entry.IsDir() || !naming.IsImageFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		editor, err := conn.Editor()
		if err != nil {
			return err
		}

		report.Images++
		derived, err := s.processImage(ctx, editor, folder, label, outDir, cropDir, entry.Name())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Printf("image failed folder=%s image=%s err=%v", folder, entry.Name(), err)
			report.Failures = append(report.Failures, ImageFailure{Folder: folder, Image: entry.Name(), Err: err})
			continue
		}

		output := filepath.Join(outDir, derived.Name)
		report.Exported++
		report.Outputs = append(report.Outputs, output)
		if !derived.Renamed {
			report.Unrenamed = append(report.Unrenamed, output)
		}
		s.logger.Printf("image exported image=%s output=%s", entry.Name(), output)
	}
	return nil
}

func (s *Session) processImage(ctx context.Context, editor Editor, folder, label, outDir, cropDir, name string) (naming.Derived, error) {
	ctx, span := s.tracer.Start(ctx, "composite.image")
	span.SetAttributes(attribute.String("composite.image", name))
	defer span.End()

	source := filepath.Join(folder, name)
	placed, err := pipeline.CropFileIfPattern(source, cropDir, s.cfg.CropPattern, s.cfg.JPEGQuality)
	if err != nil {
		s.logger.Printf("crop failed, placing original image=%s err=%v", name, err)
	}

	if signaler, ok := editor.(ReadinessSignaler); ok {
		if err := signaler.WaitReady(ctx); err != nil {
			return naming.Derived{}, fmt.Errorf("wait for editor: %w", err)
		}
	}

	var doc Document
	err = s.call(ctx, editor, func() error {
		var openErr error
		doc, openErr = editor.OpenTemplate(ctx, s.cfg.TemplatePath)
		return openErr
	})
	if err != nil {
		span.SetStatus(codes.Error, "open template failed")
		return naming.Derived{}, fmt.Errorf("open template: %w", err)
	}
	defer func() {
		if closeErr := doc.Close(ctx); closeErr != nil {
			s.logger.Printf("document close failed image=%s err=%v", name, closeErr)
		}
	}()

	if err := s.call(ctx, editor, func() error {
		return doc.PlaceImage(ctx, placed, s.cfg.ScalePercent)
	}); err != nil {
		span.SetStatus(codes.Error, "place failed")
		return naming.Derived{}, fmt.Errorf("place image: %w", err)
	}

	if s.cfg.TextLayer != "" && s.cfg.TextContent != "" {
		if err := s.call(ctx, editor, func() error {
			return doc.SetTextLayer(ctx, s.cfg.TextLayer, s.cfg.TextContent)
		}); err != nil {
			s.logger.Printf("text layer update failed image=%s layer=%s err=%v", name, s.cfg.TextLayer, err)
		}
	}

	derived := naming.Derive(name, label, s.cfg.Extension)
	if !derived.Renamed {
		s.logger.Printf("output name kept verbatim image=%s format=%s", name, s.cfg.Format)
	}

	if err := s.call(ctx, editor, func() error {
		return doc.ExportAs(ctx, filepath.Join(outDir, derived.Name), s.cfg.Format)
	}); err != nil {
		span.SetStatus(codes.Error, "export failed")
		return naming.Derived{}, fmt.Errorf("export: %w", err)
	}

	span.SetStatus(codes.Ok, "exported")
	return derived, nil
}

// call runs op once against editors that signal readiness. Other editors get
// bounded exponential backoff while they answer ErrEditorBusy.
func (s *Session) call(ctx context.Context, editor Editor, op func() error) error {
	if _, ok := editor.(ReadinessSignaler); ok {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if errors.Is(err, ErrEditorBusy) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Printf("editor busy, retrying in=%s err=%v", wait, err)
		}),
	)
	return err
}
