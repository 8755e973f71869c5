// Package manual turns uploaded files into store-ready attachments: base64
// encoding, media-type checks, and text extraction for PDFs.
package manual

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"electroexpert/internal/storage"
)

// maxUploadSize bounds a single manual; inline gateway attachments cannot
// usefully exceed this anyway.
const maxUploadSize = 20 << 20 // 20MB

// Upload is one file selected by the user.
type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

// Saver persists attachments; satisfied by *storage.Store.
type Saver interface {
	SaveAttachment(a storage.Attachment) error
}

// Result reports the outcome of one upload within a batch.
type Result struct {
	Attachment storage.Attachment
	Err        error
}

// Ingestor converts uploads into persisted attachments.
type Ingestor struct {
	store  Saver
	logger *slog.Logger
}

func NewIngestor(store Saver) *Ingestor {
	return &Ingestor{store: store, logger: slog.Default()}
}

// Ingest processes a single upload: validates it, extracts PDF text, writes
// it to the store, and only then returns the attachment. On any error the
// store is left without the record and the caller must not mark the file as
// available.
func (in *Ingestor) Ingest(ctx context.Context, up Upload, collectionID string) (storage.Attachment, error) {
	if len(up.Data) == 0 {
		return storage.Attachment{}, fmt.Errorf("file %q is empty", up.Name)
	}
	if len(up.Data) > maxUploadSize {
		return storage.Attachment{}, fmt.Errorf("file %q exceeds the %dMB upload limit", up.Name, maxUploadSize>>20)
	}
	if collectionID == "" {
		collectionID = storage.GeneralCollectionID
	}

	mediaType := up.MediaType
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(up.Data)
	}
	if !supportedMediaType(mediaType) {
		return storage.Attachment{}, fmt.Errorf("unsupported media type %q for %q (images and PDF only)", mediaType, up.Name)
	}

	// Extraction is best-effort: a scanned PDF with no text layer is still a
	// valid attachment.
	var extracted string
	if mediaType == "application/pdf" {
		text, err := ExtractPDFText(up.Data)
		if err != nil {
			in.logger.Warn("pdf text extraction failed", "file", up.Name, "error", err)
		} else {
			extracted = text
		}
	}

	a := storage.Attachment{
		ID:            uuid.New().String(),
		Name:          up.Name,
		MediaType:     mediaType,
		Content:       base64.StdEncoding.EncodeToString(up.Data),
		CollectionID:  collectionID,
		ExtractedText: extracted,
		CreatedAt:     time.Now().UTC(),
	}

	if err := in.store.SaveAttachment(a); err != nil {
		return storage.Attachment{}, fmt.Errorf("persisting %q: %w", up.Name, err)
	}
	return a, nil
}

// IngestAll processes a batch of uploads concurrently. Each file is an
// independent unit: one failure never aborts the others. Results are
// returned in input order with per-file errors.
func (in *Ingestor) IngestAll(ctx context.Context, uploads []Upload, collectionID string) []Result {
	results := make([]Result, len(uploads))

	var g errgroup.Group
	g.SetLimit(4)
	for i, up := range uploads {
		g.Go(func() error {
			a, err := in.Ingest(ctx, up, collectionID)
			results[i] = Result{Attachment: a, Err: err}
			return nil // Per-file errors are reported in Results, not aggregated.
		})
	}
	g.Wait()
	return results
}

func supportedMediaType(mt string) bool {
	return mt == "application/pdf" || strings.HasPrefix(mt, "image/")
}
