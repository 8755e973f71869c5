package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"electroexpert/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the electrical engineering assistant",
	Long: `Ask the assistant a question. Manuals in the active knowledge base are
attached automatically.

Examples:
  electroexpert ask "why does the spindle drive trip on start?"
  electroexpert ask --mode logic "draw the interlock chain for the coolant pump"
  electroexpert ask --base vega --mode settings "list the VLT ramp parameters"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		mode, _ := cmd.Flags().GetString("mode")
		base, _ := cmd.Flags().GetString("base")
		saveDir, _ := cmd.Flags().GetString("save-diagrams")

		client, err := loadClient()
		if err != nil {
			return err
		}

		req := map[string]string{"message": question}
		if mode != "" {
			req["mode"] = mode
		}
		if base != "" {
			req["collection"] = base
		}

		resp, err := client.post("/chat", req)
		if err != nil {
			return err
		}

		var result struct {
			Message struct {
				Content string `json:"content"`
				IsError bool   `json:"is_error,omitempty"`
				Sources []struct {
					Title string `json:"title"`
					URI   string `json:"uri"`
				} `json:"sources,omitempty"`
			} `json:"message"`
			Segments []struct {
				Kind  string `json:"kind"`
				Text  string `json:"text,omitempty"`
				Code  string `json:"code,omitempty"`
				Title string `json:"title,omitempty"`
			} `json:"segments"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Message.IsError {
			printError("%s", result.Message.Content)
			return nil
		}

		diagramN := 0
		for _, seg := range result.Segments {
			switch seg.Kind {
			case "plain":
				fmt.Println(strings.TrimSpace(seg.Text))
			default:
				diagramN++
				label := seg.Kind
				if seg.Title != "" {
					label = fmt.Sprintf("%s: %s", seg.Kind, seg.Title)
				}
				if saveDir == "" {
					fmt.Printf("\n%s\n%s\n", colorize(colorBold, "["+label+"]"), seg.Code)
					continue
				}
				path := filepath.Join(saveDir, fmt.Sprintf("diagram-%d.%s", diagramN, segmentExt(seg.Kind)))
				if err := os.WriteFile(path, []byte(seg.Code), 0o644); err != nil {
					printError("could not save %s: %v", path, err)
					continue
				}
				printStep("Saved %s to %s", seg.Kind, path)
			}
		}

		if len(result.Message.Sources) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Sources:"))
			for _, src := range result.Message.Sources {
				fmt.Printf("  - %s (%s)\n", src.Title, src.URI)
			}
		}
		return nil
	},
}

func segmentExt(kind string) string {
	switch kind {
	case "mermaid":
		return "mmd"
	case "svg":
		return "svg"
	default:
		return "html"
	}
}

func init() {
	askCmd.Flags().String("mode", "", "analysis mode: schematic, logic, settings, or docs")
	askCmd.Flags().String("base", "", "knowledge base to consult")
	askCmd.Flags().String("save-diagrams", "", "directory to save generated diagrams into")
}

// --- manuals ---

var manualsCmd = &cobra.Command{
	Use:   "manuals",
	Short: "Manage stored machine manuals",
}

var manualsAddCmd = &cobra.Command{
	Use:   "add <file>...",
	Short: "Upload manuals (PDF or images) to a knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("base")

		type fileEntry struct {
			Name      string `json:"name"`
			MediaType string `json:"media_type"`
			Content   string `json:"content"`
		}
		var files []fileEntry
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			files = append(files, fileEntry{
				Name:    filepath.Base(path),
				Content: base64.StdEncoding.EncodeToString(data),
			})
		}

		client, err := loadClient()
		if err != nil {
			return err
		}

		req := map[string]any{"files": files}
		if base != "" {
			req["collection_id"] = base
		}
		resp, err := client.post("/attachments", req)
		if err != nil {
			return err
		}

		var results []struct {
			Name  string `json:"name"`
			Error string `json:"error,omitempty"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		for _, r := range results {
			if r.Error != "" {
				printError("%s: %s", r.Name, r.Error)
			} else {
				printSuccess("Uploaded %s", r.Name)
			}
		}
		return nil
	},
}

var manualsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored manuals",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("base")

		client, err := loadClient()
		if err != nil {
			return err
		}

		path := "/attachments"
		if base != "" {
			path += "?collection=" + base
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var attachments []struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			MediaType    string `json:"media_type"`
			CollectionID string `json:"collection_id"`
		}
		if err := decodeJSON(resp, &attachments); err != nil {
			return err
		}

		if len(attachments) == 0 {
			fmt.Println("No manuals stored.")
			return nil
		}
		for _, a := range attachments {
			fmt.Printf("%s  %-12s  %-24s  %s\n",
				colorize(colorCyan, a.ID[:8]),
				a.CollectionID,
				a.MediaType,
				a.Name,
			)
		}
		return nil
	},
}

var manualsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a stored manual",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/attachments/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted manual %s", args[0])
		return nil
	},
}

func init() {
	manualsAddCmd.Flags().String("base", "", "knowledge base id (default: general)")
	manualsListCmd.Flags().String("base", "", "restrict to a knowledge base")
	manualsCmd.AddCommand(manualsAddCmd)
	manualsCmd.AddCommand(manualsListCmd)
	manualsCmd.AddCommand(manualsRmCmd)
}

// --- bases ---

var basesCmd = &cobra.Command{
	Use:   "bases",
	Short: "Manage knowledge bases",
}

var basesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		icon, _ := cmd.Flags().GetString("icon")

		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/collections", map[string]string{"name": args[0], "icon": icon})
		if err != nil {
			return err
		}

		var created struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Created knowledge base %s (%s)", created.Name, created.ID)
		return nil
	},
}

var basesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge bases",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/collections")
		if err != nil {
			return err
		}

		var collections []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Icon string `json:"icon"`
		}
		if err := decodeJSON(resp, &collections); err != nil {
			return err
		}

		for _, c := range collections {
			icon := c.Icon
			if icon == "" {
				icon = " "
			}
			fmt.Printf("%s  %s  %s\n", icon, colorize(colorCyan, c.ID), c.Name)
		}
		return nil
	},
}

var basesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a knowledge base (its manuals move to general)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/collections/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted knowledge base %s", args[0])
		return nil
	},
}

func init() {
	basesAddCmd.Flags().String("icon", "", "emoji icon for the knowledge base")
	basesCmd.AddCommand(basesAddCmd)
	basesCmd.AddCommand(basesListCmd)
	basesCmd.AddCommand(basesRmCmd)
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage saved conversation projects",
}

var projectsSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the current conversation as a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")

		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/projects", map[string]string{"id": id, "name": args[0]})
		if err != nil {
			return err
		}

		var p struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Saved project %s (%s)", p.Name, p.ID)
		return nil
	},
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/projects")
		if err != nil {
			return err
		}

		var projects []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Mode      string `json:"mode"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &projects); err != nil {
			return err
		}

		if len(projects) == 0 {
			fmt.Println("No saved projects.")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%s  %-10s  %s  %s\n",
				colorize(colorCyan, p.ID[:8]),
				p.Mode,
				p.CreatedAt,
				p.Name,
			)
		}
		return nil
	},
}

var projectsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a saved project as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/projects/" + args[0])
		if err != nil {
			return err
		}

		var project any
		if err := decodeJSON(resp, &project); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(project)
	},
}

var projectsLoadCmd = &cobra.Command{
	Use:   "load <id>",
	Short: "Restore a saved project into the current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/projects/"+args[0]+"/load", nil)
		if err != nil {
			return err
		}

		var result struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Loaded project %s (%d messages)", args[0], len(result.Messages))
		return nil
	},
}

var projectsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a saved project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/projects/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted project %s", args[0])
		return nil
	},
}

func init() {
	projectsSaveCmd.Flags().String("id", "", "replace an existing project by id")
	projectsCmd.AddCommand(projectsSaveCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsShowCmd)
	projectsCmd.AddCommand(projectsLoadCmd)
	projectsCmd.AddCommand(projectsRmCmd)
}

// --- cloud ---

var cloudCmd = &cobra.Command{
	Use:   "cloud",
	Short: "Manage cloud sync",
}

var cloudConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Sign in to cloud sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/cloud/signin", nil)
		if err != nil {
			return err
		}

		var result struct {
			Connected bool `json:"connected"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Connected {
			printSuccess("Cloud sync connected")
		} else {
			printWarning("Sign-in did not complete; working locally")
		}
		return nil
	},
}

var cloudStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cloud sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/cloud/status")
		if err != nil {
			return err
		}

		var result struct {
			Connected bool `json:"connected"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Connected {
			printStatus("Cloud sync", "connected")
		} else {
			printStatus("Cloud sync", "not connected")
		}
		return nil
	},
}

func init() {
	cloudCmd.AddCommand(cloudConnectCmd)
	cloudCmd.AddCommand(cloudStatusCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
