package segment

import (
	"strings"

	"golang.org/x/net/html"
)

// DocumentTitle extracts a display title from generated HTML: the <title>
// element if present, otherwise the first heading. Returns "" when the HTML
// is unparseable or carries neither.
func DocumentTitle(htmlSrc string) string {
	root, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return ""
	}

	if t := findFirst(root, "title"); t != "" {
		return t
	}
	for _, tag := range []string{"h1", "h2"} {
		if t := findFirst(root, tag); t != "" {
			return t
		}
	}
	return ""
}

// DocumentText flattens generated HTML to plain text, used for previews and
// search indexing of exported documents.
func DocumentText(htmlSrc string) string {
	root, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.Data) {
			sb.WriteString("\n")
		}
	}
	walk(root)
	return strings.TrimSpace(sb.String())
}

func findFirst(n *html.Node, tag string) string {
	if n.Type == html.ElementNode && n.Data == tag {
		return strings.TrimSpace(nodeText(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findFirst(c, tag); t != "" {
			return t
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		} else {
			sb.WriteString(nodeText(c))
		}
	}
	return sb.String()
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "li", "tr", "table", "section", "br":
		return true
	}
	return false
}
