// Package segment splits assistant responses into renderable parts: plain
// text plus fenced sub-blocks of diagram, vector-drawing, or document markup.
package segment

import (
	"regexp"
	"strings"
)

// Kind tags a segment for the rendering layer.
type Kind string

const (
	// KindPlain is ordinary Markdown text rendered verbatim.
	KindPlain Kind = "plain"
	// KindMermaid is flow/sequence diagram markup rendered inline.
	KindMermaid Kind = "mermaid"
	// KindSVG is vector-drawing markup shown in a zoomable view and
	// exportable as a file.
	KindSVG Kind = "svg"
	// KindDocument is a generated HTML document offered for download.
	KindDocument Kind = "document"
)

// Segment is one extracted piece of an assistant message. Code holds the
// fenced content for non-plain kinds; Title is filled for documents that
// declare one.
type Segment struct {
	Kind  Kind   `json:"kind"`
	Text  string `json:"text,omitempty"`
	Code  string `json:"code,omitempty"`
	Title string `json:"title,omitempty"`
}

// fenceRe matches a fenced block with one of the recognized language tags.
// Other fences (plain code samples) stay part of the surrounding text.
var fenceRe = regexp.MustCompile("(?s)```(mermaid|svg|html)[ \t]*\n(.*?)```")

// Parse segments message text in a single pass. Unterminated fences are left
// as plain text rather than swallowing the rest of the message.
func Parse(text string) []Segment {
	var segments []Segment
	rest := text

	for {
		loc := fenceRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}

		if before := rest[:loc[0]]; strings.TrimSpace(before) != "" {
			segments = append(segments, Segment{Kind: KindPlain, Text: before})
		}

		lang := rest[loc[2]:loc[3]]
		code := strings.TrimRight(rest[loc[4]:loc[5]], "\n")
		segments = append(segments, newFenced(lang, code))

		rest = rest[loc[1]:]
	}

	if strings.TrimSpace(rest) != "" {
		segments = append(segments, Segment{Kind: KindPlain, Text: rest})
	}
	return segments
}

func newFenced(lang, code string) Segment {
	switch lang {
	case "mermaid":
		return Segment{Kind: KindMermaid, Code: code}
	case "svg":
		return Segment{Kind: KindSVG, Code: code}
	default:
		return Segment{Kind: KindDocument, Code: code, Title: DocumentTitle(code)}
	}
}
