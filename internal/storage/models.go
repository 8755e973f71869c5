package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrProtectedCollection is returned when attempting to delete the general
// collection, which is shared into every other collection.
var ErrProtectedCollection = errors.New("the general collection cannot be deleted")

// GeneralCollectionID identifies the distinguished collection whose
// attachments are visible from every other collection.
const GeneralCollectionID = "general"

// Attachment is an uploaded reference document (image or PDF) scoped to one
// collection. Content is stored base64-encoded, the way it travels to the
// AI gateway. ExtractedText holds PDF text pulled at ingest time; it is
// empty for images and for PDFs the extractor could not read.
type Attachment struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MediaType     string    `json:"media_type"`
	Content       string    `json:"content"`
	CollectionID  string    `json:"collection_id"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Collection is a named grouping of attachments and projects (a "knowledge
// base" in the UI).
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Project is a named conversation snapshot. MessagesJSON and AttachmentsJSON
// hold the serialized snapshots; saving a project with an existing ID fully
// replaces the prior snapshot.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CollectionID    string    `json:"collection_id"`
	MessagesJSON    string    `json:"messages_json"`
	Mode            string    `json:"mode"`
	AttachmentsJSON string    `json:"attachments_json"`
	CreatedAt       time.Time `json:"created_at"`
}

// Job is a queued background task, currently cloud mirroring (uploads and
// deletes).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
