package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeNormalizeBatch = "batch:normalize"

type NormalizeBatchPayload struct {
	BatchID     string    `json:"batch_id"`
	SourceType  string    `json:"source_type"`
	Input       string    `json:"input"`
	Output      string    `json:"output"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	Bound       int       `json:"bound,omitempty"`
	Background  string    `json:"background,omitempty"`
	CropPattern *string   `json:"crop_pattern,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewNormalizeBatchTask(payload NormalizeBatchPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeNormalizeBatch, body), nil
}

func ParseNormalizeBatchPayload(task *asynq.Task) (NormalizeBatchPayload, error) {
	var payload NormalizeBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return NormalizeBatchPayload{}, fmt.Errorf("unmarshal batch payload: %w", err)
	}
	if payload.BatchID == "" {
		return NormalizeBatchPayload{}, fmt.Errorf("batch payload missing batch_id")
	}
	return payload, nil
}
