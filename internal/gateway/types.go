package gateway

// GenerateRequest is the generateContent request body for the Gemini API.
type GenerateRequest struct {
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	Contents          []Content        `json:"contents"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	Tools             []Tool           `json:"tools,omitempty"`
}

// Content is one conversation turn: a role plus ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is either prompt text or an inline binary attachment; exactly one
// field is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries an attachment as base64 alongside its media type.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// Tool enables provider-side capabilities; only web-search grounding is used.
type Tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

// generateResponse is the wire shape of a generateContent response. Only the
// fields the parser consumes are modeled.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					Title string `json:"title"`
					URI   string `json:"uri"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// Source is a cited web source attached to a grounded response.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Result is the parsed outcome of a generate call: display-ready text plus
// any cited sources.
type Result struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}
