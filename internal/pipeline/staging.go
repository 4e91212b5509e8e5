package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tempFilePrefix = ".tmp-"

// DefaultStagingDir places staging next to the output directory so staged
// files never show up inside it.
func DefaultStagingDir(outputDir string) string {
	clean := filepath.Clean(outputDir)
	if abs, err := filepath.Abs(clean); err == nil {
		clean = abs
	}
	return filepath.Join(filepath.Dir(clean), "."+filepath.Base(clean)+".staging")
}

// prepareStaging returns the staging directory for a run. With no configured
// parent the default sibling of outputDir is reset; otherwise a fresh child of
// parent is created. The result never equals, contains or sits inside
// inputDir or outputDir.
func prepareStaging(parent, inputDir, outputDir string) (string, error) {
	input, err := filepath.Abs(inputDir)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", ErrStagingUnavailable, inputDir, err)
	}
	output, err := filepath.Abs(outputDir)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", ErrStagingUnavailable, outputDir, err)
	}

	if parent == "" {
		dir := DefaultStagingDir(output)
		if overlaps(dir, input) || overlaps(dir, output) {
			return "", fmt.Errorf("%w: %s overlaps the input or output directory", ErrStagingUnavailable, dir)
		}
		return dir, resetStaging(dir)
	}

	parent, err = filepath.Abs(parent)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", ErrStagingUnavailable, parent, err)
	}
	if within(parent, input) || within(parent, output) {
		return "", fmt.Errorf("%w: %s is inside the input or output directory", ErrStagingUnavailable, parent)
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrStagingUnavailable, parent, err)
	}
	dir, err := os.MkdirTemp(parent, "photobatch-staging-")
	if err != nil {
		return "", fmt.Errorf("%w: create run dir in %s: %w", ErrStagingUnavailable, parent, err)
	}
	return dir, nil
}

// within reports whether path is dir or lies below it. Both must be absolute.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func overlaps(a, b string) bool {
	return within(a, b) || within(b, a)
}

// resetStaging tolerates residue left behind by a run whose cleanup failed.
func resetStaging(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrStagingUnavailable, dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrStagingUnavailable, dir, err)
	}
	return nil
}

func listInput(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInputInaccessible, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInputInaccessible, dir)
	}

	names, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInputInaccessible, dir, err)
	}
	return names, nil
}

func listStaging(dir string) ([]string, error) {
	names, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrStagingUnavailable, dir, err)
	}
	return names, nil
}

// listFiles returns the regular files of dir. Subdirectories are not batch
// items. Every listing happens after the writers of dir have finished, so no
// in-flight temp file is ever seen.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !isRegular(dir, entry) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func isRegular(dir string, entry os.DirEntry) bool {
	if entry.Type()&os.ModeSymlink == 0 {
		return entry.Type().IsRegular()
	}
	info, err := os.Stat(filepath.Join(dir, entry.Name()))
	return err == nil && info.Mode().IsRegular()
}
