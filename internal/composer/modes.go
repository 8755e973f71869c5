package composer

import "fmt"

// Mode is the analysis framing for a conversation. It carries no state of
// its own; it only selects the instructions sent to the AI gateway.
type Mode string

const (
	// ModeSchematic focuses on terminal blocks, phase/neutral/earth wiring,
	// and I/O, and asks for vector-drawing markup for proposed wiring changes.
	ModeSchematic Mode = "schematic"
	// ModeLogic focuses on control behavior (startup, fault handling, bus
	// communication) and asks for flow/sequence diagrams.
	ModeLogic Mode = "logic"
	// ModeSettings focuses on configuration menus, registers, and parameter
	// tables.
	ModeSettings Mode = "settings"
	// ModeDocs asks for a long-form structured document built from the
	// uploaded manuals.
	ModeDocs Mode = "docs"
)

// ParseMode validates a mode string from the API or CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSchematic, ModeLogic, ModeSettings, ModeDocs:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown analysis mode %q (valid: schematic, logic, settings, docs)", s)
}

const baseInstruction = `You are a senior electrical engineer and technical advisor specializing in industrial automation, electrical installations, and PLC/smart-device programming.
Analyze the provided manual pages and images and answer the technician's questions.

Rules:
- Answer in the same language the technician writes in.
- Be concise but technically precise.
- If something is not visible in the manuals, say so; never invent values.
- Use Markdown for readability (bullet lists, tables, bold).`

var modeInstructions = map[Mode]string{
	ModeSchematic: `Current mode: SCHEMATIC.
Focus on terminal blocks, phase/neutral/earth wiring, and inputs/outputs (DI, DO, AI, AO). When you see a schematic, state exactly which terminal each conductor lands on.
When a wiring change is requested, output the proposed wiring as SVG vector markup in a fenced ` + "```svg" + ` block. Do not use node-graph diagram syntax for wiring.`,
	ModeLogic: `Current mode: LOGIC.
Focus on how the device behaves: startup sequence, fault reactions, and bus communication (Modbus, KNX, DALI, and similar).
Express sequences and control flow as mermaid flowchart or sequence diagrams in fenced ` + "```mermaid" + ` blocks.`,
	ModeSettings: `Current mode: SETTINGS.
Focus on configuration menus, registers, and parameter tables. Recommend concrete values where the manuals support them, presented as Markdown tables.`,
	ModeDocs: `Current mode: DOCUMENTATION.
Produce a long-form structured document (overview, wiring, commissioning, parameters) as HTML in a fenced ` + "```html" + ` block. Keep each response under roughly 4000 words; if the document is longer, end with "CONTINUES" and wait for the technician to ask for the next part.`,
}

// Instruction returns the full system instruction for a mode. Unknown modes
// fall back to the schematic framing.
func Instruction(mode Mode) string {
	mi, ok := modeInstructions[mode]
	if !ok {
		mi = modeInstructions[ModeSchematic]
	}
	return baseInstruction + "\n\n" + mi
}
