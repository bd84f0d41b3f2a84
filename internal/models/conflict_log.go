package models

import "time"

// ConflictResolutionOutcome is the result recorded for one 409 occurrence.
type ConflictResolutionOutcome string

const (
	ResolutionResolvedSuccess ConflictResolutionOutcome = "resolved_success"
	ResolutionResolvedFailure ConflictResolutionOutcome = "resolved_failure"
	ResolutionAwaitingManual  ConflictResolutionOutcome = "awaiting_manual"
)

// ConflictLog records a server-reported version conflict for user awareness.
type ConflictLog struct {
	OperationID string                    `json:"operation_id"`
	Type        string                    `json:"type"`
	Endpoint    string                    `json:"endpoint"`
	OwnerID     string                    `json:"owner_id"`
	Strategy    ConflictResolution        `json:"strategy"`
	Resolution  ConflictResolutionOutcome `json:"resolution"`
	ServerData  []byte                    `json:"server_data,omitempty"` // opaque 409 body
	DetectedAt  int64                     `json:"detected_at"`
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

// Clone returns a copy that shares no memory with c.
func (c *ConflictLog) Clone() *ConflictLog {
	if c == nil {
		return nil
	}
	out := *c
	if c.ServerData != nil {
		out.ServerData = append([]byte(nil), c.ServerData...)
	}
	return &out
}
