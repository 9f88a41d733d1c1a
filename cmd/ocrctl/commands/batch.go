package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/cmd/ocrctl/ui"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
)

var (
	batchOpts        optionFlags
	batchConcurrency int
	batchOutDir      string
	batchJSON        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <image|dir>...",
	Short: "Extract text from many images concurrently",
	Long: `Extract text from every image named on the command line. Directories are
expanded to the images they contain. A failing image is reported and does
not stop the others.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := collectImages(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no images found")
		}
		if batchOutDir != "" {
			if err := os.MkdirAll(batchOutDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		extractor, err := newExtractor()
		if err != nil {
			return err
		}

		sources := make([]raster.Source, len(paths))
		for i, p := range paths {
			sources[i] = sourceFor(p)
		}

		bar := ui.NewProgressBar(len(sources), "Extracting")
		items := extractor.ExtractBatch(cmd.Context(), sources, batchOpts.options(), batchConcurrency, func() {
			_ = bar.Add(1)
		})
		_ = bar.Finish()

		if batchJSON {
			return printJSON(items)
		}

		failed := 0
		rows := make([][]string, 0, len(items))
		for i, item := range items {
			if item.Result == nil {
				failed++
				rows = append(rows, []string{paths[i], "-", "-", item.ErrorCode})
				continue
			}
			status := "ok"
			if batchOutDir != "" {
				out := filepath.Join(batchOutDir, textFileName(paths[i]))
				if err := writeTextFile(out, item.Result.Text); err != nil {
					status = err.Error()
				}
			}
			rows = append(rows, []string{
				paths[i],
				fmt.Sprintf("%.2f", item.Result.Confidence),
				fmt.Sprintf("%d", item.Result.WordCount),
				status,
			})
		}
		ui.Table([]string{"IMAGE", "CONF", "WORDS", "STATUS"}, rows)

		if failed > 0 {
			ui.Warning("%d of %d images failed", failed, len(items))
		} else {
			ui.Success("%d images extracted", len(items))
		}
		return nil
	},
}

func init() {
	batchOpts.register(batchCmd)
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "j", runtime.NumCPU(), "images processed at once")
	batchCmd.Flags().StringVar(&batchOutDir, "out-dir", "", "write one .txt file per image into this directory")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "print the results as JSON")
	rootCmd.AddCommand(batchCmd)
}

// collectImages expands directories one level deep to their image files,
// sorted by name. URLs and plain files are kept as given.
func collectImages(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if isURL(arg) {
			paths = append(paths, arg)
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot list %s: %w", arg, err)
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !raster.IsImageMime(raster.ContentTypeForName(e.Name())) {
				continue
			}
			found = append(found, filepath.Join(arg, e.Name()))
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	return paths, nil
}

// textFileName maps an image path or URL to "<base>.txt".
func textFileName(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".txt"
}
