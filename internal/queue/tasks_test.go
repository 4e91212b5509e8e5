package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestNormalizeBatchTask(t *testing.T) {
	pattern := ""
	payload := NormalizeBatchPayload{
		BatchID:     "batch-123",
		SourceType:  "object_store",
		Input:       "batches/batch-123/input",
		Output:      "batches/batch-123/output",
		CropPattern: &pattern,
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewNormalizeBatchTask(payload)
	if err != nil {
		t.Fatalf("NewNormalizeBatchTask returned error: %v", err)
	}
	if task.Type() != TypeNormalizeBatch {
		t.Fatalf("expected task type %q, got %q", TypeNormalizeBatch, task.Type())
	}

	parsed, err := ParseNormalizeBatchPayload(task)
	if err != nil {
		t.Fatalf("ParseNormalizeBatchPayload returned error: %v", err)
	}
	if parsed.BatchID != payload.BatchID {
		t.Fatalf("expected batch_id %q, got %q", payload.BatchID, parsed.BatchID)
	}
	// An explicit empty pattern disables cropping and must survive the queue.
	if parsed.CropPattern == nil || *parsed.CropPattern != "" {
		t.Fatalf("expected explicit empty crop pattern, got %v", parsed.CropPattern)
	}
}

func TestParseNormalizeBatchPayloadRejectsMalformed(t *testing.T) {
	for _, body := range []string{"{", `{"source_type":"local_dir"}`} {
		if _, err := ParseNormalizeBatchPayload(asynq.NewTask(TypeNormalizeBatch, []byte(body))); err == nil {
			t.Fatalf("expected error for payload %s", body)
		}
	}
}
