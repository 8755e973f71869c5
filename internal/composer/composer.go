package composer

import (
	"electroexpert/internal/gateway"
	"electroexpert/internal/storage"
)

const (
	defaultHistoryWindow = 8
	defaultTemperature   = 0.2
)

// Composer assembles gateway requests from a prompt, the visible attachments,
// the trimmed history, and the active analysis mode. Window size and sampling
// temperature are policy, not constants; both are configurable.
type Composer struct {
	HistoryWindow   int
	Temperature     float64
	EnableGrounding bool
}

// New creates a Composer. Non-positive window or temperature fall back to
// the defaults (8 messages, 0.2).
func New(historyWindow int, temperature float64) *Composer {
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	return &Composer{
		HistoryWindow:   historyWindow,
		Temperature:     temperature,
		EnableGrounding: true,
	}
}

// FilterVisible returns the attachments visible from the active collection:
// those tagged general plus those tagged with the collection itself.
func FilterVisible(attachments []storage.Attachment, activeCollection string) []storage.Attachment {
	var visible []storage.Attachment
	for _, a := range attachments {
		if a.CollectionID == storage.GeneralCollectionID || a.CollectionID == activeCollection {
			visible = append(visible, a)
		}
	}
	return visible
}

// TrimHistory drops the welcome message and error messages, then keeps the
// most recent window-sized slice. Order is preserved; trimming a history
// already within the window returns it unchanged.
func (c *Composer) TrimHistory(history []Message) []Message {
	var kept []Message
	for _, m := range history {
		if m.ID == WelcomeMessageID || m.IsError {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > c.HistoryWindow {
		kept = kept[len(kept)-c.HistoryWindow:]
	}
	return kept
}

// Compose builds a single gateway request: trimmed prior history as
// alternating turns, then one final user turn carrying the visible
// attachments inline plus the prompt text. The message being sent must not
// already be part of history.
func (c *Composer) Compose(prompt string, history []Message, attachments []storage.Attachment, mode Mode) gateway.GenerateRequest {
	instruction := Instruction(mode)

	var contents []gateway.Content
	for _, m := range c.TrimHistory(history) {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, gateway.Content{
			Role:  role,
			Parts: []gateway.Part{{Text: m.Content}},
		})
	}

	final := gateway.Content{Role: "user"}
	for _, a := range attachments {
		final.Parts = append(final.Parts, gateway.Part{
			InlineData: &gateway.InlineData{MIMEType: a.MediaType, Data: a.Content},
		})
	}
	final.Parts = append(final.Parts, gateway.Part{Text: prompt})
	contents = append(contents, final)

	req := gateway.GenerateRequest{
		SystemInstruction: &gateway.Content{Parts: []gateway.Part{{Text: instruction}}},
		Contents:          contents,
		GenerationConfig:  gateway.GenerationConfig{Temperature: c.Temperature},
	}
	if c.EnableGrounding {
		req.Tools = []gateway.Tool{{GoogleSearch: &struct{}{}}}
	}
	return req
}
