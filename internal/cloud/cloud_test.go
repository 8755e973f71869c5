package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"electroexpert/internal/storage"
)

// fakeDrive is a minimal in-memory drive API: folder search/create, multipart
// upload, delete.
type fakeDrive struct {
	mu       sync.Mutex
	nextID   int
	folders  map[string]string // name -> id
	uploads  []uploadRecord
	failWith int // when non-zero, uploads fail with this status
}

type uploadRecord struct {
	Name string
	Body string
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{folders: map[string]string{}}
}

func (d *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		q := r.URL.Query().Get("q")
		var files []map[string]string
		for name, id := range d.folders {
			if strings.Contains(q, "name = '"+name+"'") {
				files = append(files, map[string]string{"id": id, "name": name})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"files": files})
	})
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		var meta struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&meta)
		d.mu.Lock()
		d.nextID++
		id := fmt.Sprintf("folder-%d", d.nextID)
		d.folders[meta.Name] = id
		d.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": id, "name": meta.Name})
	})
	mux.HandleFunc("DELETE /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (d *fakeDrive) uploadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failWith != 0 {
			http.Error(w, "storage error", d.failWith)
			return
		}
		body, _ := io.ReadAll(r.Body)
		d.uploads = append(d.uploads, uploadRecord{Body: string(body)})
		json.NewEncoder(w).Encode(map[string]string{"id": "file-1"})
	})
}

func newTestClient(t *testing.T, d *fakeDrive) *Client {
	t.Helper()
	api := httptest.NewServer(d.handler())
	upload := httptest.NewServer(d.uploadHandler())
	t.Cleanup(api.Close)
	t.Cleanup(upload.Close)

	c := NewClientWithBaseURL(StaticTokenSource{AccessToken: "test-token"}, time.Second, api.URL, upload.URL)
	if ok, err := c.SignIn(context.Background()); err != nil || !ok {
		t.Fatalf("SignIn = %v, %v", ok, err)
	}
	return c
}

// blockingTokenSource never returns before the context expires, like a
// consent screen the user ignores.
type blockingTokenSource struct{}

func (blockingTokenSource) Token(ctx context.Context) (Token, error) {
	<-ctx.Done()
	return Token{}, ctx.Err()
}

func TestSignIn_TimeoutMeansNotConnected(t *testing.T) {
	c := NewClientWithBaseURL(blockingTokenSource{}, 50*time.Millisecond, "http://unused", "http://unused")

	start := time.Now()
	ok, err := c.SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn returned error for timeout: %v", err)
	}
	if ok {
		t.Error("SignIn reported connected after timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SignIn blocked for %v, want bounded wait", elapsed)
	}
	if c.Connected() {
		t.Error("client claims connected without a token")
	}
}

func TestOperationsBeforeSignIn(t *testing.T) {
	c := NewClientWithBaseURL(StaticTokenSource{}, time.Second, "http://unused", "http://unused")

	err := c.UploadAttachment(context.Background(), "vega", "manual.pdf", "application/pdf", "JVBERi0=")
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("error = %v, want not connected", err)
	}
}

func TestUploadAttachment_CreatesFolderHierarchy(t *testing.T) {
	drive := newFakeDrive()
	c := newTestClient(t, drive)

	content := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	if err := c.UploadAttachment(context.Background(), "VEGA Drives", "vlt-manual.pdf", "application/pdf", content); err != nil {
		t.Fatalf("UploadAttachment: %v", err)
	}

	drive.mu.Lock()
	defer drive.mu.Unlock()
	if _, ok := drive.folders[rootFolderName]; !ok {
		t.Errorf("root folder not created; folders = %v", drive.folders)
	}
	if _, ok := drive.folders["VEGA Drives"]; !ok {
		t.Errorf("collection folder not created; folders = %v", drive.folders)
	}
	if len(drive.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(drive.uploads))
	}
	if !strings.Contains(drive.uploads[0].Body, "%PDF-1.4 fake") {
		t.Error("uploaded body does not contain decoded content")
	}
	if !strings.Contains(drive.uploads[0].Body, "vlt-manual.pdf") {
		t.Error("uploaded metadata does not carry the file name")
	}
}

func TestUploadAttachment_ReusesCachedFolders(t *testing.T) {
	drive := newFakeDrive()
	c := newTestClient(t, drive)

	content := base64.StdEncoding.EncodeToString([]byte("data"))
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("file-%d.pdf", i)
		if err := c.UploadAttachment(context.Background(), "intec", name, "application/pdf", content); err != nil {
			t.Fatalf("UploadAttachment: %v", err)
		}
	}

	drive.mu.Lock()
	defer drive.mu.Unlock()
	// One root plus one collection folder, regardless of upload count.
	if len(drive.folders) != 2 {
		t.Errorf("folders = %v, want exactly 2", drive.folders)
	}
	if len(drive.uploads) != 3 {
		t.Errorf("uploads = %d, want 3", len(drive.uploads))
	}
}

func TestFetchRemoteSettings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		files := []map[string]string{}
		switch {
		case strings.Contains(q, "name = '"+rootFolderName+"'"):
			files = append(files, map[string]string{"id": "root-1", "name": rootFolderName})
		case strings.Contains(q, "name = '"+settingsFileName+"'"):
			files = append(files, map[string]string{"id": "settings-1", "name": settingsFileName})
		}
		json.NewEncoder(w).Encode(map[string]any{"files": files})
	})
	mux.HandleFunc("GET /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "settings-1" || r.URL.Query().Get("alt") != "media" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"gateway_api_key":"remote-key"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClientWithBaseURL(StaticTokenSource{AccessToken: "t"}, time.Second, srv.URL, srv.URL)
	if ok, err := c.SignIn(context.Background()); err != nil || !ok {
		t.Fatalf("SignIn = %v, %v", ok, err)
	}

	rs, err := c.FetchRemoteSettings(context.Background())
	if err != nil {
		t.Fatalf("FetchRemoteSettings: %v", err)
	}
	if rs == nil || rs.GatewayAPIKey != "remote-key" {
		t.Errorf("settings = %+v, want gateway key remote-key", rs)
	}
}

func TestFetchRemoteSettings_AbsentIsNotAnError(t *testing.T) {
	drive := newFakeDrive()
	c := newTestClient(t, drive)

	rs, err := c.FetchRemoteSettings(context.Background())
	if err != nil {
		t.Fatalf("FetchRemoteSettings: %v", err)
	}
	if rs != nil {
		t.Errorf("settings = %+v, want nil when object is absent", rs)
	}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWorker_DrainUploadsAndCompletes(t *testing.T) {
	drive := newFakeDrive()
	c := newTestClient(t, drive)
	store := openTestStore(t)

	att := storage.Attachment{
		ID:           "att-1",
		Name:         "wiring.pdf",
		MediaType:    "application/pdf",
		Content:      base64.StdEncoding.EncodeToString([]byte("wiring diagram")),
		CollectionID: storage.GeneralCollectionID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.SaveAttachment(att); err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}
	if err := NewQueue(store).EnqueueUpload(att.ID); err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	w := NewWorker(store, c, time.Second)
	w.drain(context.Background())

	drive.mu.Lock()
	uploads := len(drive.uploads)
	drive.mu.Unlock()
	if uploads != 1 {
		t.Fatalf("uploads = %d, want 1", uploads)
	}

	// Queue must be empty: the job completed, not re-queued.
	job, err := store.ClaimNextJob([]string{JobUpload, JobDelete})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("job still claimable after drain: %+v", job)
	}
}

// TestWorker_MissingAttachmentCompletesJob covers the race where a file is
// deleted locally before its upload job runs.
func TestWorker_MissingAttachmentCompletesJob(t *testing.T) {
	drive := newFakeDrive()
	c := newTestClient(t, drive)
	store := openTestStore(t)

	if err := NewQueue(store).EnqueueUpload("gone"); err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	w := NewWorker(store, c, time.Second)
	w.drain(context.Background())

	job, err := store.ClaimNextJob([]string{JobUpload})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("job for deleted attachment was not completed: %+v", job)
	}
	drive.mu.Lock()
	defer drive.mu.Unlock()
	if len(drive.uploads) != 0 {
		t.Errorf("uploads = %d, want 0", len(drive.uploads))
	}
}

// TestWorker_FailedUploadLeavesQueueForRetry verifies a server error does not
// complete the job; the queue's backoff keeps it for a later pass.
func TestWorker_FailedUploadLeavesQueueForRetry(t *testing.T) {
	drive := newFakeDrive()
	drive.failWith = http.StatusInternalServerError
	c := newTestClient(t, drive)
	store := openTestStore(t)

	att := storage.Attachment{
		ID:           "att-1",
		Name:         "wiring.pdf",
		MediaType:    "application/pdf",
		Content:      base64.StdEncoding.EncodeToString([]byte("x")),
		CollectionID: storage.GeneralCollectionID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.SaveAttachment(att); err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}
	if err := NewQueue(store).EnqueueUpload(att.ID); err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	w := NewWorker(store, c, time.Second)
	w.drain(context.Background())

	// The job is re-queued with backoff, so it is not claimable right now,
	// but nothing was mirrored either.
	drive.mu.Lock()
	defer drive.mu.Unlock()
	if len(drive.uploads) != 0 {
		t.Errorf("uploads = %d, want 0 after server failure", len(drive.uploads))
	}
}
