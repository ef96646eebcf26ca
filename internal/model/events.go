package model

import "github.com/google/uuid"

// UploadedEvent announces a stored original on the uploads topic. The
// consumer uses it to warm the derivative cache.
type UploadedEvent struct {
	ImageID     uuid.UUID `json:"image_id"`
	OwnerID     string    `json:"owner_id"`
	StorageRef  string    `json:"storage_ref"`
	ContentHash string    `json:"content_hash"`
	MimeType    string    `json:"mime_type"`
}

// JobEvent announces a terminal job on the events topic.
type JobEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	State       JobState  `json:"state"`
	Error       string    `json:"error,omitempty"`
}
