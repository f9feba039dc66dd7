package entities

import (
	"encoding/json"
	"fmt"
)

// SyncPayload is the meeting snapshot plus the fields derived for the CRM
type SyncPayload struct {
	Meeting                   *Meeting        `json:"meeting"`
	DiscoveryStatus           DiscoveryStatus `json:"Discovery_Status"`
	DiscoveryCompletion       string          `json:"Discovery_Completion"`
	DiscoveryModulesCompleted int             `json:"Discovery_Modules_Completed"`
}

// NewSyncPayload builds a payload from an already-derived status and progress
func NewSyncPayload(m *Meeting, status DiscoveryStatus, percent, modulesCompleted int) SyncPayload {
	return SyncPayload{
		Meeting:                   m,
		DiscoveryStatus:           status,
		DiscoveryCompletion:       FormatCompletion(percent),
		DiscoveryModulesCompleted: modulesCompleted,
	}
}

// FormatCompletion renders a completion percentage the way the CRM field expects it
func FormatCompletion(percent int) string {
	return fmt.Sprintf("%d%%", percent)
}

// Encode serializes the payload for durable storage in a sync task
func (p SyncPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeSyncPayload restores a payload stored in a sync task
func DecodeSyncPayload(data []byte) (SyncPayload, error) {
	var p SyncPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return SyncPayload{}, err
	}
	if p.Meeting == nil {
		return SyncPayload{}, &ValidationError{Field: "meeting", Reason: "missing from payload"}
	}
	return p, nil
}
