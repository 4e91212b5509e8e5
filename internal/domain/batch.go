package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	BatchStatusCreated    = "created"
	BatchStatusQueued     = "queued"
	BatchStatusProcessing = "processing"
	BatchStatusSucceeded  = "succeeded"
	BatchStatusFailed     = "failed"

	SourceTypeLocalDir    = "local_dir"
	SourceTypeObjectStore = "object_store"

	MaxBound = 20000
)

// CreateBatchRequest asks for one normalization run. Input and Output are
// directory paths for local_dir and bucket prefixes for object_store.
type CreateBatchRequest struct {
	SourceType  string  `json:"source_type"`
	Input       string  `json:"input"`
	Output      string  `json:"output"`
	WebhookURL  string  `json:"webhook_url,omitempty"`
	Bound       int     `json:"bound,omitempty"`
	Background  string  `json:"background,omitempty"`
	CropPattern *string `json:"crop_pattern,omitempty"`
}

func (r CreateBatchRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalDir && sourceType != SourceTypeObjectStore {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if strings.TrimSpace(r.Input) == "" {
		return errors.New("input is required")
	}
	if strings.TrimSpace(r.Output) == "" {
		return errors.New("output is required")
	}
	if sameTarget(r.Input, r.Output) {
		return errors.New("input and output must differ")
	}
	if r.Bound < 0 || r.Bound > MaxBound {
		return fmt.Errorf("bound must be between 1 and %d", MaxBound)
	}
	if url := strings.TrimSpace(r.WebhookURL); url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return errors.New("webhook_url must be an http(s) url")
	}
	return nil
}

var (
	ErrLocalDirDisabled = errors.New("local_dir batches are disabled")
	ErrOutsideLocalRoot = errors.New("path is outside the local root")
)

// ResolveLocalPath returns the absolute form of path when it lies strictly
// below root. An empty root disables local_dir batches.
func ResolveLocalPath(root, path string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", ErrLocalDirDisabled
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve local root: %w", err)
	}
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideLocalRoot, path)
	}
	return absPath, nil
}

func sameTarget(a, b string) bool {
	clean := func(s string) string {
		return strings.TrimRight(strings.TrimSpace(s), "/")
	}
	return clean(a) == clean(b)
}

type Batch struct {
	ID          string
	Status      string
	SourceType  string
	Input       string
	Output      string
	WebhookURL  string
	Bound       int
	Background  string
	CropPattern *string
	Result      BatchResult
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchResult is the outcome of a finished run.
type BatchResult struct {
	Total      int      `json:"total"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Failures   []string `json:"failures,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}
