package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"electroexpert/internal/composer"
	"electroexpert/internal/storage"
)

// SaveProject snapshots the current session under the given name. Saving
// with an id that already exists replaces that project; an empty id creates
// a new one. The snapshot captures the full message log, the mode, and the
// attachments visible at save time, so loading restores the session even if
// the knowledge base changes later.
func (s *Service) SaveProject(id, name string) (storage.Project, error) {
	s.mu.Lock()
	messages := make([]composer.Message, len(s.messages))
	copy(messages, s.messages)
	mode := s.mode
	collection := s.activeCollection
	s.mu.Unlock()

	all, err := s.store.ListAttachments()
	if err != nil {
		return storage.Project{}, fmt.Errorf("snapshotting attachments: %w", err)
	}
	attachments := composer.FilterVisible(all, collection)

	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return storage.Project{}, fmt.Errorf("encoding messages: %w", err)
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return storage.Project{}, fmt.Errorf("encoding attachments: %w", err)
	}

	if id == "" {
		id = uuid.New().String()
	}
	p := storage.Project{
		ID:              id,
		Name:            name,
		CollectionID:    collection,
		MessagesJSON:    string(messagesJSON),
		Mode:            string(mode),
		AttachmentsJSON: string(attachmentsJSON),
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.SaveProject(p); err != nil {
		return storage.Project{}, fmt.Errorf("persisting project %q: %w", name, err)
	}
	return p, nil
}

// LoadProject replaces the current session with a saved snapshot.
func (s *Service) LoadProject(id string) error {
	p, err := s.store.GetProject(id)
	if err != nil {
		return fmt.Errorf("loading project %s: %w", id, err)
	}

	var messages []composer.Message
	if err := json.Unmarshal([]byte(p.MessagesJSON), &messages); err != nil {
		return fmt.Errorf("decoding project %s messages: %w", id, err)
	}

	mode, err := composer.ParseMode(p.Mode)
	if err != nil {
		mode = composer.ModeSchematic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return ErrSendInFlight
	}
	s.messages = messages
	s.mode = mode
	if p.CollectionID != "" {
		s.activeCollection = p.CollectionID
	}
	return nil
}
