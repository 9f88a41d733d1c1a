package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/cmd/ocrctl/ui"
)

var (
	searchOpts optionFlags
	searchJSON bool
)

var searchCmd = &cobra.Command{
	Use:   "search <image|url> <query>",
	Short: "Find case-insensitive occurrences of a phrase in an image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		extractor, err := newExtractor()
		if err != nil {
			return err
		}

		spin := ui.NewSpinner("Searching " + args[0])
		spin.Start()
		res, err := extractor.SearchText(cmd.Context(), sourceFor(args[0]), args[1], searchOpts.options())
		spin.Stop()
		if err != nil {
			ui.Error("Search failed: %v", err)
			return err
		}

		if searchJSON {
			return printJSON(res)
		}

		if len(res.Matches) == 0 {
			ui.Warning("No occurrences of %q (confidence %.2f)", res.Query, res.Confidence)
			return nil
		}

		runes := []rune(res.Text)
		rows := make([][]string, 0, len(res.Matches))
		for _, m := range res.Matches {
			rows = append(rows, []string{fmt.Sprintf("%d", m.Position), m.Text, snippet(runes, m.Position, len([]rune(m.Text)))})
		}
		ui.Table([]string{"POS", "MATCH", "CONTEXT"}, rows)
		ui.Success("%d occurrence(s) of %q", len(res.Matches), res.Query)
		return nil
	},
}

func init() {
	searchOpts.register(searchCmd)
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print the matches as JSON")
	rootCmd.AddCommand(searchCmd)
}

// snippet returns the match with up to 20 runes either side, on one line.
func snippet(text []rune, pos, length int) string {
	const span = 20
	start := pos - span
	if start < 0 {
		start = 0
	}
	end := pos + length + span
	if end > len(text) {
		end = len(text)
	}
	out := append([]rune(nil), text[start:end]...)
	for i, r := range out {
		if r == '\n' || r == '\t' {
			out[i] = ' '
		}
	}
	return string(out)
}
