// Package conversation holds the live chat session: the message log, the
// active analysis mode and knowledge base, and the send path to the model
// gateway.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"electroexpert/internal/composer"
	"electroexpert/internal/gateway"
	"electroexpert/internal/storage"
)

// ErrSendInFlight is returned when a send is requested while a previous one
// is still awaiting the model. The caller should drop the request, not queue
// it.
var ErrSendInFlight = errors.New("a message is already being processed")

const welcomeText = "Hello! I am ElectroExpert, your electrical engineering assistant. " +
	"Upload machine manuals to a knowledge base and ask me about schematics, " +
	"control logic, drive parameters, or documentation."

// Generator is the slice of the model gateway the session needs.
type Generator interface {
	Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Result, error)
}

// Store is the slice of the local store the session needs. Visibility
// filtering happens here, not in SQL, so the session and the request builder
// share one rule.
type Store interface {
	ListAttachments() ([]storage.Attachment, error)
	SaveProject(p storage.Project) error
	GetProject(id string) (storage.Project, error)
}

// Service is a single chat session. All exported methods are safe for
// concurrent use.
type Service struct {
	store  Store
	gen    Generator
	comp   *composer.Composer
	logger *slog.Logger

	mu               sync.Mutex
	messages         []composer.Message
	mode             composer.Mode
	activeCollection string
	inFlight         bool
}

func NewService(store Store, gen Generator, comp *composer.Composer) *Service {
	s := &Service{
		store:            store,
		gen:              gen,
		comp:             comp,
		logger:           slog.Default(),
		mode:             composer.ModeSchematic,
		activeCollection: storage.GeneralCollectionID,
	}
	s.seedWelcome()
	return s
}

func (s *Service) seedWelcome() {
	s.messages = []composer.Message{{
		ID:        composer.WelcomeMessageID,
		Role:      composer.RoleAssistant,
		Content:   welcomeText,
		CreatedAt: time.Now().UTC(),
	}}
}

// Messages returns a copy of the current log.
func (s *Service) Messages() []composer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]composer.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Mode returns the active analysis mode.
func (s *Service) Mode() composer.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Service) SetMode(m composer.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// ActiveCollection returns the knowledge base currently in scope.
func (s *Service) ActiveCollection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCollection
}

func (s *Service) SetActiveCollection(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = storage.GeneralCollectionID
	}
	s.activeCollection = id
}

// Reset clears the log back to the welcome message. Mode and collection are
// kept.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedWelcome()
}

// Send appends the user's message, asks the model, and appends the reply.
// While a send is awaiting the model, further sends fail with
// ErrSendInFlight. A gateway failure appends an error-flagged assistant
// message and leaves the user's message in the log.
func (s *Service) Send(ctx context.Context, prompt string) (composer.Message, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return composer.Message{}, ErrSendInFlight
	}
	s.inFlight = true

	// History snapshot excludes the message being sent; the composer carries
	// the prompt only as the final turn.
	history := make([]composer.Message, len(s.messages))
	copy(history, s.messages)

	userMsg := composer.Message{
		ID:        uuid.New().String(),
		Role:      composer.RoleUser,
		Content:   prompt,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, userMsg)
	mode := s.mode
	collection := s.activeCollection
	s.mu.Unlock()

	reply := s.generate(ctx, prompt, history, collection, mode)

	s.mu.Lock()
	s.messages = append(s.messages, reply)
	s.inFlight = false
	s.mu.Unlock()

	return reply, nil
}

func (s *Service) generate(ctx context.Context, prompt string, history []composer.Message, collection string, mode composer.Mode) composer.Message {
	attachments, err := s.store.ListAttachments()
	if err != nil {
		s.logger.Error("listing attachments", "collection", collection, "error", err)
		attachments = nil // Answer without manuals rather than fail the turn.
	}
	attachments = composer.FilterVisible(attachments, collection)

	req := s.comp.Compose(prompt, history, attachments, mode)
	result, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.logger.Error("gateway request failed", "mode", mode, "error", err)
		return composer.Message{
			ID:        uuid.New().String(),
			Role:      composer.RoleAssistant,
			Content:   friendlyError(err),
			CreatedAt: time.Now().UTC(),
			IsError:   true,
		}
	}

	return composer.Message{
		ID:        uuid.New().String(),
		Role:      composer.RoleAssistant,
		Content:   result.Text,
		Sources:   result.Sources,
		CreatedAt: time.Now().UTC(),
	}
}

// friendlyError maps gateway failures to text a technician can act on.
func friendlyError(err error) string {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case gateway.ErrKindConfig:
			return "The model gateway is not configured correctly. Check the API key in settings."
		case gateway.ErrKindOversized:
			return "The attached manuals are too large for a single request. Remove some attachments or use a smaller knowledge base."
		case gateway.ErrKindRateLimited:
			return "The model is rate limiting requests. Wait a moment and try again."
		}
	}
	return fmt.Sprintf("The request failed: %v. Please try again.", err)
}
