package manual

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxExtractedChars caps how much text we keep per manual; beyond this the
// text stops adding retrieval value and only bloats the row.
const maxExtractedChars = 200_000

// ExtractPDFText pulls the text layer out of a PDF. Scanned documents
// without one yield an empty string, not an error.
func ExtractPDFText(data []byte) (text string, err error) {
	// The parser panics on some malformed files; a bad manual must not take
	// the upload down with it.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue // Keep whatever the other pages yield.
		}
		sb.WriteString(content)
		sb.WriteString("\n")
		if sb.Len() > maxExtractedChars {
			break
		}
	}

	text = strings.TrimSpace(sb.String())
	if len(text) > maxExtractedChars {
		text = text[:maxExtractedChars]
	}
	return text, nil
}
