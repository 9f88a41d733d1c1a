package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/cmd/ocrctl/ui"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

var (
	extractOpts optionFlags
	extractOut  string
	extractJSON bool
	boxesOpts   optionFlags
	boxesJSON   bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <image|url>",
	Short: "Extract the text of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(cmd.Context(), args[0], extractOpts.options(), false, extractJSON, extractOut)
	},
}

var boxesCmd = &cobra.Command{
	Use:   "boxes <image|url>",
	Short: "Extract text with word bounding boxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(cmd.Context(), args[0], boxesOpts.options(), true, boxesJSON, "")
	},
}

func init() {
	extractOpts.register(extractCmd)
	extractCmd.Flags().StringVarP(&extractOut, "out", "o", "", "write the text to this file instead of stdout")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(extractCmd)

	boxesOpts.register(boxesCmd)
	boxesCmd.Flags().BoolVar(&boxesJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(boxesCmd)
}

func runExtract(ctx context.Context, arg string, opts processor.Options, withBoxes, asJSON bool, out string) error {
	extractor, err := newExtractor()
	if err != nil {
		return err
	}

	spin := ui.NewSpinner("Reading " + arg)
	spin.Start()
	var result *processor.Result
	if withBoxes {
		result, err = extractor.ExtractTextWithBoxes(ctx, sourceFor(arg), opts)
	} else {
		result, err = extractor.ExtractText(ctx, sourceFor(arg), opts)
	}
	spin.Stop()
	if err != nil {
		ui.Error("Extraction failed: %v", err)
		return err
	}

	if asJSON {
		return printJSON(result)
	}

	if out != "" {
		if err := writeTextFile(out, result.Text); err != nil {
			return err
		}
		ui.Success("Text written to %s", out)
	} else if withBoxes {
		rows := make([][]string, 0, len(result.Boxes))
		for _, b := range result.Boxes {
			rows = append(rows, []string{
				b.Text,
				fmt.Sprintf("%.1f", b.Confidence),
				fmt.Sprintf("%d,%d", b.Left, b.Top),
				fmt.Sprintf("%dx%d", b.Width, b.Height),
			})
		}
		ui.Table([]string{"TEXT", "CONF", "POS", "SIZE"}, rows)
	} else {
		fmt.Println(result.Text)
	}

	summarize(result)
	return nil
}

func summarize(r *processor.Result) {
	ui.KeyValue("language", r.Language)
	ui.KeyValue("confidence", fmt.Sprintf("%.2f", r.Confidence))
	ui.KeyValue("words", fmt.Sprintf("%d", r.WordCount))
	ui.KeyValue("characters", fmt.Sprintf("%d", r.CharacterCount))
	ui.KeyValue("config", r.EngineConfigUsed)
	if r.SkewAngle != 0 {
		ui.KeyValue("skew", fmt.Sprintf("%.2f°", r.SkewAngle))
	}
	ui.KeyValue("time", fmt.Sprintf("%dms", r.ProcessingTimeMs))
}

// writeTextFile saves text with a trailing newline.
func writeTextFile(path, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
