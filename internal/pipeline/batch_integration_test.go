package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newTestBatch(t *testing.T, opts Options) *Batch {
	t.Helper()

	batch, err := NewBatch(log.New(io.Discard, "", 0), opts)
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	return batch
}

func seedInputDir(t *testing.T, dir string) {
	t.Helper()

	// left half transparent, right half opaque
	large := image.NewNRGBA(image.Rect(0, 0, 2000, 1000))
	for y := 0; y < 1000; y++ {
		for x := 0; x < 2000; x++ {
			c := color.NRGBA{R: 10, G: 200, B: 30, A: 255}
			if x < 1000 {
				c.A = 0
			}
			large.SetNRGBA(x, y, c)
		}
	}

	writeTestFile(t, filepath.Join(dir, "large.png"), encodeTestPNG(t, large))
	writeTestFile(t, filepath.Join(dir, "small.jpg"), encodeTestJPEG(t, gradientRGBA(300, 200)))
	writeTestFile(t, filepath.Join(dir, "ABC_10_shoe.png"), encodeTestPNG(t, twoToneRGBA(200, 100)))
	writeTestFile(t, filepath.Join(dir, "corrupt.jpg"), []byte("definitely not a jpeg"))
	writeTestFile(t, filepath.Join(dir, "notes.txt"), []byte("shopping list"))
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("create nested dir: %v", err)
	}
}

func outputNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

func assertNames(t *testing.T, got, want []string) {
	t.Helper()

	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBatchRun_DirectoryInNormalizedDirectoryOut(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	seedInputDir(t, inputDir)

	summary, err := newTestBatch(t, DefaultOptions()).Run(context.Background(), inputDir, outputDir)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	wantOutputs := []string{"ABC_10_shoe.png", "large.png", "small.jpg"}
	assertNames(t, outputNames(t, outputDir), wantOutputs)
	assertNames(t, summary.Outputs, wantOutputs)

	if summary.Total != 5 {
		t.Fatalf("expected 5 enumerated files, got %d", summary.Total)
	}
	if summary.Succeeded != 3 || summary.Failed() != 2 {
		t.Fatalf("expected 3 succeeded and 2 failed, got %d and %d", summary.Succeeded, summary.Failed())
	}
	for _, failure := range summary.Failures {
		if !errors.Is(failure, ErrDecode) {
			t.Fatalf("expected decode failure for %s, got %v", failure.Name, failure.Err)
		}
		if failure.Kind() != ErrDecode {
			t.Fatalf("expected kind ErrDecode, got %v", failure.Kind())
		}
		if failure.Stage != StageFlatten {
			t.Fatalf("expected flatten stage failure, got %s", failure.Stage)
		}
	}

	if _, err := os.Stat(summary.StagingDir); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir %s to be removed, stat err=%v", summary.StagingDir, err)
	}
	if summary.CleanupErr != nil {
		t.Fatalf("unexpected cleanup error: %v", summary.CleanupErr)
	}

	large := decodeTestFile(t, filepath.Join(outputDir, "large.png"))
	assertSize(t, large, 1400, 700)
	if got := rgbaAt(large, 20, 20); got != White {
		t.Fatalf("expected transparent region to be white, got %v", got)
	}

	assertSize(t, decodeTestFile(t, filepath.Join(outputDir, "small.jpg")), 300, 200)

	cropped := decodeTestFile(t, filepath.Join(outputDir, "ABC_10_shoe.png"))
	assertSize(t, cropped, 200, 50)
	if got := rgbaAt(cropped, 100, 49); got != (color.RGBA{R: 255, A: 255}) {
		t.Fatalf("expected only the top half to remain, got %v", got)
	}
}

func TestBatchRun_ParallelWorkersProduceSameOutputs(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	seedInputDir(t, inputDir)

	sequentialOut := filepath.Join(tmp, "seq")
	parallelOut := filepath.Join(tmp, "par")

	if _, err := newTestBatch(t, DefaultOptions()).Run(context.Background(), inputDir, sequentialOut); err != nil {
		t.Fatalf("sequential run: %v", err)
	}

	opts := DefaultOptions()
	opts.Workers = 4
	summary, err := newTestBatch(t, opts).Run(context.Background(), inputDir, parallelOut)
	if err != nil {
		t.Fatalf("parallel run: %v", err)
	}
	if summary.Failed() != 2 {
		t.Fatalf("expected 2 failures, got %d", summary.Failed())
	}

	seqNames := outputNames(t, sequentialOut)
	assertNames(t, outputNames(t, parallelOut), seqNames)
	for _, name := range seqNames {
		a, err := os.ReadFile(filepath.Join(sequentialOut, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		b, err := os.ReadFile(filepath.Join(parallelOut, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(a) != string(b) {
			t.Fatalf("expected %s to be identical across worker counts", name)
		}
	}
}

func TestBatchRun_ReplacesStaleStaging(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	writeTestFile(t, filepath.Join(inputDir, "one.png"), encodeTestPNG(t, gradientRGBA(40, 30)))

	staging := DefaultStagingDir(outputDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("create stale staging: %v", err)
	}
	writeTestFile(t, filepath.Join(staging, "leftover.png"), encodeTestPNG(t, gradientRGBA(10, 10)))

	summary, err := newTestBatch(t, DefaultOptions()).Run(context.Background(), inputDir, outputDir)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	assertNames(t, outputNames(t, outputDir), []string{"one.png"})
	if summary.Succeeded != 1 {
		t.Fatalf("expected one output, got %d", summary.Succeeded)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("expected staging to be removed, stat err=%v", err)
	}
}

func TestBatchRun_MissingInputIsFatal(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "out")

	_, err := newTestBatch(t, DefaultOptions()).Run(context.Background(), filepath.Join(tmp, "missing"), outputDir)
	if !errors.Is(err, ErrInputInaccessible) {
		t.Fatalf("expected ErrInputInaccessible, got %v", err)
	}
	if _, statErr := os.Stat(outputDir); !os.IsNotExist(statErr) {
		t.Fatal("expected batch not to start when input is missing")
	}
}

func TestBatchRun_OutputThatIsAFileIsFatal(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	outputPath := filepath.Join(tmp, "out")
	writeTestFile(t, outputPath, []byte("x"))

	_, err := newTestBatch(t, DefaultOptions()).Run(context.Background(), inputDir, outputPath)
	if !errors.Is(err, ErrOutputInaccessible) {
		t.Fatalf("expected ErrOutputInaccessible, got %v", err)
	}
}

func TestBatchRun_CancelledContextStillCleansStaging(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	writeTestFile(t, filepath.Join(inputDir, "one.png"), encodeTestPNG(t, gradientRGBA(40, 30)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newTestBatch(t, DefaultOptions()).Run(ctx, inputDir, outputDir)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, statErr := os.Stat(summary.StagingDir); !os.IsNotExist(statErr) {
		t.Fatalf("expected staging to be removed, stat err=%v", statErr)
	}
}

type failingTransformer struct {
	stdlibTransformer
	failResize map[string]bool
}

func (f failingTransformer) Resize(ctx context.Context, name string, input []byte, opts Options) ([]byte, error) {
	if f.failResize[name] {
		return nil, ErrEncode
	}
	return f.stdlibTransformer.Resize(ctx, name, input, opts)
}

func TestBatchRun_ResizeFailureIsAbsentFromOutput(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	writeTestFile(t, filepath.Join(inputDir, "keep.png"), encodeTestPNG(t, gradientRGBA(20, 20)))
	writeTestFile(t, filepath.Join(inputDir, "drop.png"), encodeTestPNG(t, gradientRGBA(20, 20)))

	batch := newBatchWithTransformer(log.New(io.Discard, "", 0), failingTransformer{
		failResize: map[string]bool{"drop.png": true},
	}, DefaultOptions())

	summary, err := batch.Run(context.Background(), inputDir, outputDir)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	assertNames(t, outputNames(t, outputDir), []string{"keep.png"})
	if summary.Failed() != 1 || summary.Failures[0].Stage != StageResize || summary.Failures[0].Kind() != ErrEncode {
		t.Fatalf("expected one resize encode failure, got %+v", summary.Failures)
	}
}

func TestBatchRun_RejectsStagingOverlappingInputOrOutput(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	writeTestFile(t, filepath.Join(inputDir, "one.png"), encodeTestPNG(t, gradientRGBA(40, 30)))
	if err := os.Mkdir(outputDir, 0o755); err != nil {
		t.Fatalf("create output dir: %v", err)
	}
	writeTestFile(t, filepath.Join(outputDir, "keep.png"), encodeTestPNG(t, gradientRGBA(10, 10)))

	cases := map[string]string{
		"input":        inputDir,
		"output":       outputDir,
		"inside input": filepath.Join(inputDir, "stage"),
	}
	for name, staging := range cases {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.StagingDir = staging

			_, err := newTestBatch(t, opts).Run(context.Background(), inputDir, outputDir)
			if !errors.Is(err, ErrStagingUnavailable) {
				t.Fatalf("expected ErrStagingUnavailable, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(inputDir, "one.png")); err != nil {
				t.Fatalf("expected input to survive: %v", err)
			}
			if _, err := os.Stat(filepath.Join(outputDir, "keep.png")); err != nil {
				t.Fatalf("expected output to survive: %v", err)
			}
		})
	}
}

func TestBatchRun_ConfiguredStagingUsesFreshChild(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	parent := filepath.Join(tmp, "staging")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		t.Fatalf("create staging parent: %v", err)
	}
	writeTestFile(t, filepath.Join(parent, "unrelated.txt"), []byte("keep me"))
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	writeTestFile(t, filepath.Join(inputDir, "one.png"), encodeTestPNG(t, gradientRGBA(40, 30)))

	opts := DefaultOptions()
	opts.StagingDir = parent
	summary, err := newTestBatch(t, opts).Run(context.Background(), inputDir, outputDir)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if filepath.Dir(summary.StagingDir) != parent {
		t.Fatalf("expected staging below %s, got %s", parent, summary.StagingDir)
	}
	if _, err := os.Stat(summary.StagingDir); !os.IsNotExist(err) {
		t.Fatalf("expected run staging removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "unrelated.txt")); err != nil {
		t.Fatalf("expected staging parent contents to survive: %v", err)
	}
	assertNames(t, outputNames(t, outputDir), []string{"one.png"})
}

func TestBatchRun_CountsDotTmpPrefixedInputs(t *testing.T) {
	tmp := t.TempDir()
	inputDir := filepath.Join(tmp, "in")
	outputDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("create input dir: %v", err)
	}
	writeTestFile(t, filepath.Join(inputDir, ".tmp-photo.png"), encodeTestPNG(t, gradientRGBA(40, 30)))
	writeTestFile(t, filepath.Join(inputDir, "X_10_y.png"), encodeTestPNG(t, twoToneRGBA(40, 30)))

	summary, err := newTestBatch(t, DefaultOptions()).Run(context.Background(), inputDir, outputDir)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 2 {
		t.Fatalf("expected 2/2, got %d/%d failures=%v", summary.Succeeded, summary.Total, summary.Failures)
	}
	assertNames(t, outputNames(t, outputDir), []string{".tmp-photo.png", "X_10_y.png"})
}
