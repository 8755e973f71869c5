package composer

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"electroexpert/internal/storage"
)

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"schematic", "logic", "settings", "docs"} {
		if _, err := ParseMode(valid); err != nil {
			t.Errorf("ParseMode(%q): %v", valid, err)
		}
	}
	if _, err := ParseMode("SCHEMATIC"); err == nil {
		t.Error("ParseMode should reject uppercase mode names")
	}
	if _, err := ParseMode(""); err == nil {
		t.Error("ParseMode should reject empty mode")
	}
}

func TestInstruction_ModeSpecific(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeSchematic, "```svg"},
		{ModeLogic, "```mermaid"},
		{ModeSettings, "parameter tables"},
		{ModeDocs, "```html"},
	}
	for _, tt := range tests {
		got := Instruction(tt.mode)
		if !strings.Contains(got, tt.want) {
			t.Errorf("Instruction(%s) missing %q", tt.mode, tt.want)
		}
		if !strings.Contains(got, "electrical engineer") {
			t.Errorf("Instruction(%s) missing base framing", tt.mode)
		}
	}
}

func TestFilterVisible(t *testing.T) {
	atts := []storage.Attachment{
		{ID: "a1", CollectionID: "general"},
		{ID: "a2", CollectionID: "vega"},
		{ID: "a3", CollectionID: "intec"},
	}

	tests := []struct {
		active  string
		wantIDs []string
	}{
		{"vega", []string{"a1", "a2"}},
		{"intec", []string{"a1", "a3"}},
		{"general", []string{"a1"}},
		{"unknown", []string{"a1"}},
	}
	for _, tt := range tests {
		got := FilterVisible(atts, tt.active)
		var ids []string
		for _, a := range got {
			ids = append(ids, a.ID)
		}
		if !reflect.DeepEqual(ids, tt.wantIDs) {
			t.Errorf("FilterVisible(active=%q) = %v, want %v", tt.active, ids, tt.wantIDs)
		}
	}
}

func TestTrimHistory_WindowAndExclusions(t *testing.T) {
	c := New(4, 0.2)

	var history []Message
	history = append(history, Message{ID: WelcomeMessageID, Role: RoleAssistant, Content: "welcome"})
	for i := 0; i < 6; i++ {
		history = append(history, Message{ID: fmt.Sprintf("m%d", i), Role: RoleUser, Content: fmt.Sprintf("q%d", i)})
	}
	history = append(history, Message{ID: "err", Role: RoleAssistant, Content: "boom", IsError: true})

	got := c.TrimHistory(history)
	if len(got) != 4 {
		t.Fatalf("trimmed length = %d, want 4", len(got))
	}
	// Most recent non-excluded messages, in original order.
	for i, wantID := range []string{"m2", "m3", "m4", "m5"} {
		if got[i].ID != wantID {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, wantID)
		}
	}
}

// TestTrimHistory_Idempotent verifies a history already within the window is
// returned unchanged: same messages, same order.
func TestTrimHistory_Idempotent(t *testing.T) {
	c := New(8, 0.2)

	history := []Message{
		{ID: "m1", Role: RoleUser, Content: "a"},
		{ID: "m2", Role: RoleAssistant, Content: "b"},
		{ID: "m3", Role: RoleUser, Content: "c"},
	}

	once := c.TrimHistory(history)
	twice := c.TrimHistory(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("trimming not idempotent:\n once  %+v\n twice %+v", once, twice)
	}
	if !reflect.DeepEqual(once, history) {
		t.Errorf("history within window was altered:\n got  %+v\n want %+v", once, history)
	}
}

func TestCompose_FinalTurnCarriesAttachmentsAndPrompt(t *testing.T) {
	c := New(8, 0.3)

	history := []Message{
		{ID: WelcomeMessageID, Role: RoleAssistant, Content: "hello"},
		{ID: "m1", Role: RoleUser, Content: "what is terminal X1?"},
		{ID: "m2", Role: RoleAssistant, Content: "X1 is the supply block."},
	}
	atts := []storage.Attachment{
		{ID: "a1", Name: "manual.pdf", MediaType: "application/pdf", Content: "JVBERi0=", CollectionID: "vega"},
	}

	req := c.Compose("where does PE land?", history, atts, ModeSchematic)

	if req.SystemInstruction == nil || !strings.Contains(req.SystemInstruction.Parts[0].Text, "SCHEMATIC") {
		t.Error("system instruction missing schematic framing")
	}
	if req.GenerationConfig.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", req.GenerationConfig.Temperature)
	}
	if len(req.Tools) != 1 || req.Tools[0].GoogleSearch == nil {
		t.Errorf("grounding tool not enabled: %+v", req.Tools)
	}

	// Welcome excluded: two history turns plus the final turn.
	if len(req.Contents) != 3 {
		t.Fatalf("contents length = %d, want 3", len(req.Contents))
	}
	if req.Contents[1].Role != "model" {
		t.Errorf("assistant history turn role = %q, want model", req.Contents[1].Role)
	}

	final := req.Contents[2]
	if final.Role != "user" {
		t.Errorf("final turn role = %q, want user", final.Role)
	}
	if len(final.Parts) != 2 {
		t.Fatalf("final turn parts = %d, want 2 (attachment + prompt)", len(final.Parts))
	}
	if final.Parts[0].InlineData == nil || final.Parts[0].InlineData.MIMEType != "application/pdf" {
		t.Errorf("attachment part = %+v", final.Parts[0])
	}
	if final.Parts[1].Text != "where does PE land?" {
		t.Errorf("prompt part = %q", final.Parts[1].Text)
	}
}

// TestCompose_PromptNeverInHistory verifies the current message appears only
// as the final turn even when the caller passes a full log.
func TestCompose_PromptNeverInHistory(t *testing.T) {
	c := New(2, 0.2)

	var history []Message
	for i := 0; i < 5; i++ {
		history = append(history, Message{ID: fmt.Sprintf("m%d", i), Role: RoleUser, Content: fmt.Sprintf("q%d", i)})
	}

	req := c.Compose("current question", history, nil, ModeLogic)

	// Window of 2 plus the final turn.
	if len(req.Contents) != 3 {
		t.Fatalf("contents length = %d, want 3", len(req.Contents))
	}
	for _, turn := range req.Contents[:2] {
		for _, p := range turn.Parts {
			if p.Text == "current question" {
				t.Error("current prompt leaked into history turns")
			}
		}
	}
}
