package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/photobatch/internal/composite"
	"github.com/dunamismax/photobatch/internal/config"
	"github.com/dunamismax/photobatch/internal/pipeline"
	"github.com/dunamismax/photobatch/internal/telemetry"
)

const usage = `usage: photobatch <command> [flags]

commands:
  normalize  crop, flatten and bound-resize every image of a directory
  composite  place images of one or more folders into a template and export
  version    print the version and image backend
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg := config.Load()
	logger := log.New(stderr, "[photobatch] ", log.LstdFlags|log.Lmsgprefix)

	shutdownTracing, err := telemetry.SetupTracing(ctx, "photobatch-cli", cfg.Tracing, nil)
	if err != nil {
		fmt.Fprintf(stderr, "tracing setup failed: %v\n", err)
		return 1
	}
	defer shutdownTracing(context.Background())

	switch args[0] {
	case "normalize":
		return runNormalize(ctx, cfg, logger, args[1:], stdout, stderr)
	case "composite":
		return runComposite(ctx, cfg, logger, args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "photobatch %s backend=%s\n", telemetry.Version, pipeline.Backend())
		return 0
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func runNormalize(ctx context.Context, cfg config.Config, logger *log.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		inputDir   string
		outputDir  string
		background string
		opts       pipeline.Options
	)
	fs.StringVar(&inputDir, "in", "", "Input directory")
	fs.StringVar(&outputDir, "out", "", "Output directory, created if absent")
	fs.IntVar(&opts.Bound, "bound", cfg.Batch.Bound, "Maximum width and height in pixels")
	fs.StringVar(&background, "background", cfg.Batch.Background, `Flatten background as "r,g,b" or "#rrggbb"`)
	fs.StringVar(&opts.CropPattern, "crop-pattern", cfg.Batch.CropPattern, "Keep the top half of files whose name contains this; empty disables")
	fs.IntVar(&opts.Workers, "workers", cfg.Batch.Workers, "Images processed in parallel per stage")
	fs.IntVar(&opts.JPEGQuality, "quality", cfg.Batch.JPEGQuality, "JPEG encode quality")
	fs.StringVar(&opts.StagingDir, "staging", cfg.Batch.StagingDir, "Staging directory (default: next to the output directory)")
	fs.BoolVar(&opts.AutoOrient, "auto-orient", cfg.Batch.AutoOrient, "Apply EXIF orientation before processing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if inputDir == "" && fs.NArg() > 0 {
		inputDir = fs.Arg(0)
	}
	if outputDir == "" && fs.NArg() > 1 {
		outputDir = fs.Arg(1)
	}
	if inputDir == "" || outputDir == "" {
		fmt.Fprintln(stderr, "normalize requires an input and an output directory")
		fs.PrintDefaults()
		return 2
	}

	bg, err := config.ParseBackground(background)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	opts.Background = bg

	if err := pipeline.Startup(); err != nil {
		fmt.Fprintf(stderr, "image backend startup failed: %v\n", err)
		return 1
	}
	defer pipeline.Shutdown()

	batch, err := pipeline.NewBatch(logger, opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	summary, err := batch.Run(ctx, inputDir, outputDir)
	if errors.Is(err, pipeline.ErrInputInaccessible) || errors.Is(err, pipeline.ErrOutputInaccessible) || errors.Is(err, pipeline.ErrStagingUnavailable) {
		fmt.Fprintf(stderr, "batch did not start: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "normalized %d/%d files into %s in %s\n", summary.Succeeded, summary.Total, outputDir, summary.Duration.Round(time.Millisecond))
	for _, failure := range summary.Failures {
		fmt.Fprintf(stdout, "  failed %s (%s): %v\n", failure.Name, failure.Stage, failure.Err)
	}
	if summary.CleanupErr != nil {
		fmt.Fprintf(stdout, "  warning: %v\n", summary.CleanupErr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "batch interrupted: %v\n", err)
		return 1
	}
	return 0
}

func runComposite(ctx context.Context, cfg config.Config, logger *log.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("composite", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		outputRoot string
		format     string
		gravity    string
	)
	sessionCfg := composite.Config{
		JPEGQuality:    cfg.Batch.JPEGQuality,
		InitialBackoff: cfg.Composite.InitialDelay,
	}
	fs.StringVar(&sessionCfg.TemplatePath, "template", cfg.Composite.TemplatePath, "Template image placed under every picture")
	fs.StringVar(&outputRoot, "out", "", "Output root; one sub-folder per input folder")
	fs.StringVar(&format, "format", cfg.Composite.Format, "Export format: jpg, png or psd")
	fs.StringVar(&sessionCfg.TextLayer, "text-layer", cfg.Composite.TextLayer, "Template text layer to fill")
	fs.StringVar(&sessionCfg.TextContent, "text", cfg.Composite.TextContent, "Text written into the text layer")
	fs.Float64Var(&sessionCfg.ScalePercent, "scale", cfg.Composite.ScalePercent, "Scale of the placed image in percent")
	fs.StringVar(&sessionCfg.CropPattern, "crop-pattern", cfg.Batch.CropPattern, "Crop the top half of files whose name contains this; empty disables")
	fs.IntVar(&sessionCfg.MaxAttempts, "max-attempts", cfg.Composite.MaxAttempts, "Attempts per editor call while the editor is busy")
	fs.StringVar(&gravity, "text-gravity", "southeast", "Where the text layer is drawn")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	folders := fs.Args()
	if len(folders) == 0 || outputRoot == "" {
		fmt.Fprintln(stderr, "composite requires -out and at least one input folder")
		fs.PrintDefaults()
		return 2
	}

	f, err := composite.ParseFormat(format)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	sessionCfg.Format = f
	sessionCfg.Extension = format

	session, err := composite.NewSession(logger, sessionCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	conn, err := composite.Connect(ctx, composite.LocalDialer(composite.TextLayer{Name: sessionCfg.TextLayer, Gravity: gravity}))
	if err != nil {
		fmt.Fprintf(stderr, "editor connection failed: %v\n", err)
		return 1
	}
	defer conn.Close()

	report, err := session.Run(ctx, conn, folders, outputRoot)
	fmt.Fprintf(stdout, "exported %d/%d images from %d folders into %s\n", report.Exported, report.Images, report.Folders, outputRoot)
	for _, name := range report.Unrenamed {
		fmt.Fprintf(stdout, "  kept source name: %s\n", name)
	}
	for _, failure := range report.Failures {
		fmt.Fprintf(stdout, "  failed %s %s: %v\n", failure.Folder, failure.Image, failure.Err)
	}
	if err != nil {
		if errors.Is(err, composite.ErrNotConnected) {
			fmt.Fprintln(stderr, "editor disconnected")
		} else {
			fmt.Fprintf(stderr, "composite interrupted: %v\n", err)
		}
		return 1
	}
	return 0
}
