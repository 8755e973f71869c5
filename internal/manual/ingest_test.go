package manual

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"electroexpert/internal/storage"
)

// fakeSaver records saved attachments and can be told to fail.
type fakeSaver struct {
	mu     sync.Mutex
	saved  []storage.Attachment
	failOn string
}

func (f *fakeSaver) SaveAttachment(a storage.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && a.Name == f.failOn {
		return errors.New("disk full")
	}
	f.saved = append(f.saved, a)
	return nil
}

// pngHeader is enough of a PNG for content-type sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestIngest_EncodesAndPersists(t *testing.T) {
	saver := &fakeSaver{}
	in := NewIngestor(saver)

	a, err := in.Ingest(context.Background(), Upload{Name: "panel.png", Data: pngHeader}, "vega")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if a.ID == "" {
		t.Error("attachment has no id")
	}
	if a.MediaType != "image/png" {
		t.Errorf("media type = %q, want image/png (sniffed)", a.MediaType)
	}
	if a.CollectionID != "vega" {
		t.Errorf("collection = %q, want vega", a.CollectionID)
	}
	decoded, err := base64.StdEncoding.DecodeString(a.Content)
	if err != nil {
		t.Fatalf("content is not valid base64: %v", err)
	}
	if string(decoded) != string(pngHeader) {
		t.Error("content does not round-trip to original bytes")
	}
	if len(saver.saved) != 1 {
		t.Fatalf("saved %d attachments, want 1", len(saver.saved))
	}
}

func TestIngest_DefaultsToGeneralCollection(t *testing.T) {
	saver := &fakeSaver{}
	in := NewIngestor(saver)

	a, err := in.Ingest(context.Background(), Upload{Name: "notes.png", Data: pngHeader}, "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if a.CollectionID != storage.GeneralCollectionID {
		t.Errorf("collection = %q, want %q", a.CollectionID, storage.GeneralCollectionID)
	}
}

func TestIngest_RejectsUnsupportedType(t *testing.T) {
	saver := &fakeSaver{}
	in := NewIngestor(saver)

	_, err := in.Ingest(context.Background(), Upload{Name: "virus.exe", Data: []byte("MZ\x90\x00"), MediaType: "application/x-msdownload"}, "")
	if err == nil {
		t.Fatal("expected error for unsupported media type")
	}
	if len(saver.saved) != 0 {
		t.Error("unsupported file reached the store")
	}
}

func TestIngest_RejectsEmptyFile(t *testing.T) {
	in := NewIngestor(&fakeSaver{})
	if _, err := in.Ingest(context.Background(), Upload{Name: "empty.pdf"}, ""); err == nil {
		t.Fatal("expected error for empty file")
	}
}

// TestIngest_StoreFailureIsNotSilent verifies a persistence failure surfaces
// to the caller so the file is never presented as available.
func TestIngest_StoreFailureIsNotSilent(t *testing.T) {
	saver := &fakeSaver{failOn: "panel.png"}
	in := NewIngestor(saver)

	_, err := in.Ingest(context.Background(), Upload{Name: "panel.png", Data: pngHeader}, "vega")
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error = %v, want wrapped store error", err)
	}
}

// TestIngestAll_OneFailureDoesNotAbortOthers ingests a batch where one file
// is invalid; the rest must still land.
func TestIngestAll_OneFailureDoesNotAbortOthers(t *testing.T) {
	saver := &fakeSaver{}
	in := NewIngestor(saver)

	uploads := []Upload{
		{Name: "a.png", Data: pngHeader},
		{Name: "broken.bin", Data: []byte{0x00, 0x01}, MediaType: "application/octet-stream"},
		{Name: "b.png", Data: pngHeader},
	}

	results := in.IngestAll(context.Background(), uploads, "intec")
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("valid uploads failed: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Error("invalid upload did not report an error")
	}
	if len(saver.saved) != 2 {
		t.Errorf("saved %d attachments, want 2", len(saver.saved))
	}
}

func TestExtractPDFText_GarbageInput(t *testing.T) {
	if _, err := ExtractPDFText([]byte("not a pdf at all")); err == nil {
		t.Fatal("expected error for non-pdf bytes")
	}
}
