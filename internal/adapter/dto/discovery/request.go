package discovery

import (
	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

// SyncMeetingRequest is the body of POST /v1/meetings/sync
type SyncMeetingRequest struct {
	Meeting   *entities.Meeting          `json:"meeting" validate:"required"`
	RecordID  string                     `json:"recordId,omitempty" validate:"omitempty,max=64"`
	Extracted entities.ExtractedFieldSet `json:"extracted,omitempty"`
}

// PreviewRequest is the body of POST /v1/meetings/status
type PreviewRequest struct {
	Meeting   *entities.Meeting `json:"meeting" validate:"required"`
	HighWater string            `json:"highWaterStatus,omitempty"`
}

// ListRecordsRequest represents query parameters for listing CRM records
type ListRecordsRequest struct {
	Phase   string `query:"phase" validate:"omitempty,oneof=discovery implementation development"`
	Status  string `query:"status" validate:"omitempty,max=64"`
	Page    int    `query:"page" validate:"omitempty,min=1"`
	PerPage int    `query:"per_page" validate:"omitempty,min=1,max=200"`
}
