package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"electroexpert/internal/composer"
	"electroexpert/internal/gateway"
	"electroexpert/internal/storage"
)

type fakeStore struct {
	mu          sync.Mutex
	attachments []storage.Attachment
	projects    map[string]storage.Project
	listErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[string]storage.Project{}}
}

func (f *fakeStore) ListAttachments() ([]storage.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]storage.Attachment, len(f.attachments))
	copy(out, f.attachments)
	return out, nil
}

func (f *fakeStore) SaveProject(p storage.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) GetProject(id string) (storage.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return storage.Project{}, storage.ErrNotFound
	}
	return p, nil
}

type fakeGen struct {
	mu      sync.Mutex
	calls   int
	lastReq gateway.GenerateRequest
	result  gateway.Result
	err     error
	block   chan struct{} // when non-nil, Generate waits until it is closed
	started chan struct{} // closed once Generate has been entered
}

func (f *fakeGen) Generate(_ context.Context, req gateway.GenerateRequest) (gateway.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	if f.started != nil && f.calls == 1 {
		close(f.started)
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return gateway.Result{}, f.err
	}
	return f.result, nil
}

func newTestService(store *fakeStore, gen *fakeGen) *Service {
	return NewService(store, gen, composer.New(8, 0.2))
}

func TestNewService_SeedsWelcome(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeGen{})

	msgs := svc.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].ID != composer.WelcomeMessageID || msgs[0].Role != composer.RoleAssistant {
		t.Errorf("welcome message = %+v", msgs[0])
	}
	if svc.ActiveCollection() != storage.GeneralCollectionID {
		t.Errorf("active collection = %q, want general", svc.ActiveCollection())
	}
}

func TestSend_AppendsUserAndAssistant(t *testing.T) {
	gen := &fakeGen{result: gateway.Result{
		Text:    "Check fuse F3.",
		Sources: []gateway.Source{{Title: "Drive FAQ", URI: "https://example.com/faq"}},
	}}
	svc := newTestService(newFakeStore(), gen)

	reply, err := svc.Send(context.Background(), "the spindle drive trips on start")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Content != "Check fuse F3." || len(reply.Sources) != 1 {
		t.Errorf("reply = %+v", reply)
	}

	msgs := svc.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (welcome, user, assistant)", len(msgs))
	}
	if msgs[1].Role != composer.RoleUser || msgs[1].Content != "the spindle drive trips on start" {
		t.Errorf("user message = %+v", msgs[1])
	}
	if msgs[2].Role != composer.RoleAssistant || msgs[2].IsError {
		t.Errorf("assistant message = %+v", msgs[2])
	}

	// The prompt rides only on the final turn of the composed request.
	final := gen.lastReq.Contents[len(gen.lastReq.Contents)-1]
	if final.Role != "user" || final.Parts[len(final.Parts)-1].Text != "the spindle drive trips on start" {
		t.Errorf("final turn = %+v", final)
	}
}

// TestSend_SecondSendWhileInFlightRejected holds the first send inside the
// gateway and verifies a concurrent send is refused without touching the
// log.
func TestSend_SecondSendWhileInFlightRejected(t *testing.T) {
	gen := &fakeGen{
		result:  gateway.Result{Text: "ok"},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	svc := newTestService(newFakeStore(), gen)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(context.Background(), "first question")
		done <- err
	}()

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first send never reached the gateway")
	}

	if _, err := svc.Send(context.Background(), "second question"); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("second send error = %v, want ErrSendInFlight", err)
	}

	close(gen.block)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}

	msgs := svc.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3; the rejected send must not append", len(msgs))
	}
	if gen.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", gen.calls)
	}
}

// TestSend_GatewayFailureFlagsReply verifies a failed turn keeps the user's
// message and adds exactly one error-flagged assistant message.
func TestSend_GatewayFailureFlagsReply(t *testing.T) {
	gen := &fakeGen{err: &gateway.APIError{Kind: gateway.ErrKindRateLimited, Status: 429, Msg: "quota"}}
	svc := newTestService(newFakeStore(), gen)

	reply, err := svc.Send(context.Background(), "nejde motor")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !reply.IsError {
		t.Error("reply not flagged as error")
	}
	if !strings.Contains(reply.Content, "rate limiting") {
		t.Errorf("reply content = %q, want rate-limit explanation", reply.Content)
	}

	msgs := svc.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != composer.RoleUser || msgs[1].Content != "nejde motor" || msgs[1].IsError {
		t.Errorf("user message = %+v", msgs[1])
	}
	var flagged int
	for _, m := range msgs {
		if m.IsError {
			flagged++
		}
	}
	if flagged != 1 {
		t.Errorf("error-flagged messages = %d, want 1", flagged)
	}
}

func TestSend_OnlyVisibleAttachmentsComposed(t *testing.T) {
	store := newFakeStore()
	store.attachments = []storage.Attachment{
		{ID: "g", Name: "safety.pdf", MediaType: "application/pdf", Content: "QQ==", CollectionID: storage.GeneralCollectionID},
		{ID: "v", Name: "vlt.pdf", MediaType: "application/pdf", Content: "QQ==", CollectionID: "vega"},
		{ID: "i", Name: "plc.pdf", MediaType: "application/pdf", Content: "QQ==", CollectionID: "intec"},
	}
	gen := &fakeGen{result: gateway.Result{Text: "ok"}}
	svc := newTestService(store, gen)
	svc.SetActiveCollection("vega")

	if _, err := svc.Send(context.Background(), "wiring question"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// General plus the active base, never the third collection.
	final := gen.lastReq.Contents[len(gen.lastReq.Contents)-1]
	var inline int
	for _, p := range final.Parts {
		if p.InlineData != nil {
			inline++
		}
	}
	if inline != 2 {
		t.Errorf("inline attachment parts = %d, want 2", inline)
	}
}

func TestSend_AttachmentListFailureStillAnswers(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("database locked")
	gen := &fakeGen{result: gateway.Result{Text: "answered anyway"}}
	svc := newTestService(store, gen)

	reply, err := svc.Send(context.Background(), "question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.IsError {
		t.Errorf("reply = %+v, want success without attachments", reply)
	}
}

func TestProject_SaveLoadRoundTrip(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{result: gateway.Result{Text: "X1 is the supply block."}}
	svc := newTestService(store, gen)
	svc.SetMode(composer.ModeSettings)
	svc.SetActiveCollection("vega")

	if _, err := svc.Send(context.Background(), "what is X1?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	before := svc.Messages()

	p, err := svc.SaveProject("", "VLT commissioning")
	if err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	if p.ID == "" || p.Name != "VLT commissioning" {
		t.Errorf("project = %+v", p)
	}

	// Diverge the session, then restore.
	svc.Reset()
	svc.SetMode(composer.ModeLogic)
	svc.SetActiveCollection("intec")

	if err := svc.LoadProject(p.ID); err != nil {
		t.Fatalf("LoadProject: %v", err)
	}

	after := svc.Messages()
	if len(after) != len(before) {
		t.Fatalf("restored %d messages, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].ID != before[i].ID || after[i].Content != before[i].Content {
			t.Errorf("message %d differs: %+v vs %+v", i, after[i], before[i])
		}
	}
	if svc.Mode() != composer.ModeSettings {
		t.Errorf("mode = %q, want settings", svc.Mode())
	}
	if svc.ActiveCollection() != "vega" {
		t.Errorf("collection = %q, want vega", svc.ActiveCollection())
	}
}

func TestSaveProject_ReplacesByID(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGen{result: gateway.Result{Text: "ok"}})

	p1, err := svc.SaveProject("", "draft")
	if err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	if _, err := svc.Send(context.Background(), "more context"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p2, err := svc.SaveProject(p1.ID, "final")
	if err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	if p2.ID != p1.ID {
		t.Errorf("replacement changed id: %q vs %q", p2.ID, p1.ID)
	}
	if len(store.projects) != 1 {
		t.Errorf("stored projects = %d, want 1", len(store.projects))
	}
	if store.projects[p1.ID].Name != "final" {
		t.Errorf("stored name = %q, want final", store.projects[p1.ID].Name)
	}
}

func TestLoadProject_NotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeGen{})
	if err := svc.LoadProject("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
