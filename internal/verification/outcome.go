package verification

import "time"

// Status is the terminal disposition of a verification request.
type Status string

const (
	StatusMatched    Status = "matched"
	StatusRegistered Status = "registered"
	StatusFailed     Status = "failed"
)

// Reason is a machine-checkable failure code.
type Reason string

const (
	ReasonInvalidImage   Reason = "invalid_image"
	ReasonNoFaceDetected Reason = "no_face_detected"
	ReasonQualityTooLow  Reason = "quality_too_low"
	ReasonLivenessFailed Reason = "liveness_failed"
	ReasonStorageError   Reason = "storage_error"
)

// Outcome is the structured result of one verification request. It carries a
// reason code plus a human-readable message and never includes raw
// embeddings, stored images, or internal paths.
type Outcome struct {
	RequestID  string    `json:"request_id"`
	Status     Status    `json:"status"`
	IdentityID string    `json:"identity_id,omitempty"`
	Reason     Reason    `json:"reason,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Success reports whether the request resolved to an identity.
func (o *Outcome) Success() bool {
	return o.Status == StatusMatched || o.Status == StatusRegistered
}
