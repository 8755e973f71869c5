package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"electroexpert/internal/composer"
	"electroexpert/internal/conversation"
	"electroexpert/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Chat  *conversation.Service
}

// NewMCPServer creates an MCP server exposing the expert chat and the local
// knowledge base to MCP clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"electroexpert",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("electroexpert: electrical engineering assistant grounded in locally stored machine manuals."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ask_expert",
			mcp.WithDescription("Ask the electrical engineering assistant a question. Manuals in the active knowledge base are attached automatically."),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Analysis mode: schematic, logic, settings, or docs (default schematic)")),
			mcp.WithString("collection", mcp.Description("Knowledge base to consult (default: current)")),
		),
		mcpAskExpert(deps),
	)

	s.AddTool(
		mcp.NewTool("list_manuals",
			mcp.WithDescription("List the manuals stored in a knowledge base."),
			mcp.WithString("collection", mcp.Description("Knowledge base id; omit for everything visible in the current one")),
		),
		mcpListManuals(deps),
	)

	s.AddTool(
		mcp.NewTool("save_project",
			mcp.WithDescription("Save the current conversation as a named project for later review."),
			mcp.WithString("name", mcp.Description("Project name"), mcp.Required()),
		),
		mcpSaveProject(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"workspace://collections",
			"Knowledge Bases",
			mcp.WithResourceDescription("All knowledge bases with their manual counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCollections(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"workspace://projects",
			"Saved Projects",
			mcp.WithResourceDescription("Saved conversation snapshots (names and timestamps)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProjects(deps),
	)

	return s
}

func mcpAskExpert(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		if modeStr := req.GetString("mode", ""); modeStr != "" {
			mode, err := composer.ParseMode(modeStr)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			deps.Chat.SetMode(mode)
		}
		if collection := req.GetString("collection", ""); collection != "" {
			deps.Chat.SetActiveCollection(collection)
		}

		reply, err := deps.Chat.Send(ctx, question)
		if errors.Is(err, conversation.ErrSendInFlight) {
			return mcpError("a message is already being processed; try again shortly"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		if reply.IsError {
			return mcpError(reply.Content), nil
		}

		text := reply.Content
		if len(reply.Sources) > 0 {
			text += "\n\nSources:"
			for _, src := range reply.Sources {
				text += fmt.Sprintf("\n- %s (%s)", src.Title, src.URI)
			}
		}
		return mcpText(text), nil
	}
}

func mcpListManuals(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection := req.GetString("collection", deps.Chat.ActiveCollection())

		attachments, err := deps.Store.ListVisibleAttachments(collection)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list manuals: %v", err)), nil
		}

		type manualSummary struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			MediaType  string `json:"media_type"`
			Collection string `json:"collection"`
			Excerpt    string `json:"excerpt,omitempty"`
		}

		summaries := make([]manualSummary, len(attachments))
		for i, a := range attachments {
			excerpt := a.ExtractedText
			if utf8.RuneCountInString(excerpt) > 200 {
				runes := []rune(excerpt)
				excerpt = string(runes[:200]) + "..."
			}
			summaries[i] = manualSummary{
				ID:         a.ID,
				Name:       a.Name,
				MediaType:  a.MediaType,
				Collection: a.CollectionID,
				Excerpt:    excerpt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal manuals: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSaveProject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}

		p, err := deps.Chat.SaveProject("", name)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save project: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Saved project %s (%s)", p.Name, p.ID)), nil
	}
}

func mcpResourceCollections(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		collections, err := deps.Store.ListCollections()
		if err != nil {
			return nil, fmt.Errorf("failed to list collections: %w", err)
		}
		attachments, err := deps.Store.ListAttachments()
		if err != nil {
			return nil, fmt.Errorf("failed to list attachments: %w", err)
		}

		counts := make(map[string]int)
		for _, a := range attachments {
			counts[a.CollectionID]++
		}

		type collectionSummary struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Icon    string `json:"icon,omitempty"`
			Manuals int    `json:"manuals"`
		}

		summaries := make([]collectionSummary, len(collections))
		for i, c := range collections {
			summaries[i] = collectionSummary{
				ID:      c.ID,
				Name:    c.Name,
				Icon:    c.Icon,
				Manuals: counts[c.ID],
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collections: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceProjects(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		projects, err := deps.Store.ListProjects()
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}

		type projectSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Mode      string `json:"mode"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]projectSummary, len(projects))
		for i, p := range projects {
			summaries[i] = projectSummary{
				ID:        p.ID,
				Name:      p.Name,
				Mode:      p.Mode,
				CreatedAt: p.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal projects: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
