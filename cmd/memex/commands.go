package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"

	"github.com/kalambet/memex/internal/config"
	"github.com/kalambet/memex/internal/entry"
	"github.com/kalambet/memex/internal/importer"
)

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture [text...]",
	Short: "Capture a note or checklist",
	Long: `Capture a note or checklist. Text that reads like a list is stored as a
checklist automatically.

Examples:
  memex capture "call the plumber"
  memex capture "milk, eggs, bread"
  memex capture --file ./groceries.txt
  memex capture --file ./receipt.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		text := strings.Join(args, " ")
		switch {
		case file != "" && text != "":
			return fmt.Errorf("pass either text or --file, not both")
		case file != "":
			var err error
			if text, err = importer.ReadText(file); err != nil {
				return err
			}
		case strings.TrimSpace(text) == "":
			return fmt.Errorf("text or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries", map[string]string{"text": text})
		if err != nil {
			return err
		}

		var e entry.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Captured %s %s", e.Type, shortID(e.ID))
		return nil
	},
}

func init() {
	captureCmd.Flags().String("file", "", "read the text from a file (.pdf or plain text)")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/entries")
		if err != nil {
			return err
		}

		var entries []entry.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No entries.")
			return nil
		}
		for _, e := range entries {
			printEntry(out, e)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("json", false, "print entries as JSON")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")

		e, err := fetchEntry(cmd, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if raw {
			pp.ColoringEnabled = !color.NoColor
			_, err := pp.Fprintln(out, e)
			return err
		}
		printEntry(out, e)
		fmt.Fprintf(out, "  %s %s\n", dimColor.Sprint("created:"), formatMillis(e.CreatedAt))
		fmt.Fprintf(out, "  %s %s\n", dimColor.Sprint("touched:"), formatMillis(e.LastAccessedAt))
		if e.Archived {
			fmt.Fprintf(out, "  %s\n", warnColor.Sprint("archived"))
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("raw", false, "dump the decoded record")
}

// --- mutations ---

var toggleTypeCmd = &cobra.Command{
	Use:   "toggle-type <id>",
	Short: "Switch an entry between note and checklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := postEntry(cmd, "/entries/"+args[0]+"/toggle-type")
		if err != nil {
			return err
		}
		printSuccess("%s is now a %s", shortID(e.ID), e.Type)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <id> <index>",
	Short: "Check or uncheck a checklist item (index starts at 1)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("item index must be a positive integer, got %q", args[1])
		}

		e, err := postEntry(cmd, fmt.Sprintf("/entries/%s/items/%d/toggle", args[0], n-1))
		if err != nil {
			return err
		}
		printEntry(cmd.OutOrStdout(), e)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Hide an entry from the active list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries/"+args[0]+"/archive", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Archived %s", shortID(result["id"]))
		return nil
	},
}

// --- maintenance ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive entries untouched for longer than the threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/maintenance/sweep", nil)
		if err != nil {
			return err
		}
		var res entry.SweepResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Archived %d entries (mirror: %d)", res.Primary, res.Mirror)
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile the database with the file mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Reconciling stores...")
		resp, err := client.post(cmd.Context(), "/maintenance/reconcile", nil)
		if err != nil {
			return err
		}
		var res entry.ReconcileResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Failed > 0 {
			printWarning("%d entries could not be copied", res.Failed)
		}
		printSuccess("Copied %d to the database, %d to the mirror", res.ToPrimary, res.ToMirror)
		return nil
	},
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

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", labelColor.Sprint(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
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

// --- helpers ---

func fetchEntry(cmd *cobra.Command, id string) (entry.Entry, error) {
	client, err := newAPIClient()
	if err != nil {
		return entry.Entry{}, err
	}
	resp, err := client.get(cmd.Context(), "/entries/"+id)
	if err != nil {
		return entry.Entry{}, err
	}
	var e entry.Entry
	err = decodeJSON(resp, &e)
	return e, err
}

func postEntry(cmd *cobra.Command, path string) (entry.Entry, error) {
	client, err := newAPIClient()
	if err != nil {
		return entry.Entry{}, err
	}
	resp, err := client.post(cmd.Context(), path, nil)
	if err != nil {
		return entry.Entry{}, err
	}
	var e entry.Entry
	err = decodeJSON(resp, &e)
	return e, err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

// printEntry renders one entry: notes as their first line, checklists as
// numbered items.
func printEntry(w io.Writer, e entry.Entry) {
	id := stepColor.Sprint(shortID(e.ID))
	if e.Type != entry.TypeChecklist {
		first, _, more := strings.Cut(e.RawText, "\n")
		if more {
			first += " …"
		}
		fmt.Fprintf(w, "%s  %s\n", id, first)
		return
	}

	done := 0
	for _, it := range e.Items {
		if it.Checked {
			done++
		}
	}
	fmt.Fprintf(w, "%s  %s\n", id, dimColor.Sprintf("checklist %d/%d", done, len(e.Items)))
	for i, it := range e.Items {
		box := "[ ]"
		label := it.Label
		if it.Checked {
			box = successColor.Sprint("[x]")
			label = dimColor.Sprint(label)
		}
		fmt.Fprintf(w, "    %2d. %s %s\n", i+1, box, label)
	}
}
