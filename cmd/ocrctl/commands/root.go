// Package commands implements the ocrctl command tree.
package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/cmd/ocrctl/ui"
	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
)

var (
	settingsFile string
	tessdata     string
	logLevel     string
	noColor      bool
	maxFileSize  int64
)

var rootCmd = &cobra.Command{
	Use:   "ocrctl",
	Short: "Extract text from images with the adaptive OCR pipeline",
	Long: `ocrctl runs the OCR pipeline locally: skew correction, image normalization,
multi-strategy recognition and text cleanup. It can also submit jobs to a
running worker's queue.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(noColor)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", os.Getenv("OCR_SETTINGS_FILE"), "engine settings YAML file")
	rootCmd.PersistentFlags().StringVar(&tessdata, "tessdata", os.Getenv("TESSDATA_PREFIX"), "tesseract language data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().Int64Var(&maxFileSize, "max-file-size", 50<<20, "largest image accepted, in bytes")
}

// Execute runs the root command. Cancelling ctx aborts a running extraction.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// optionFlags are the extraction options shared by the local commands.
type optionFlags struct {
	language           string
	detectLanguage     bool
	noPreprocess       bool
	noAutoRotate       bool
	improveReadability bool
	noPostProcess      bool
	engineConfig       string
}

func (f *optionFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.language, "lang", "l", "", "language code, several joined with + (default from settings)")
	fl.BoolVar(&f.detectLanguage, "detect-language", false, "probe supported languages and pick the best reading")
	fl.BoolVar(&f.noPreprocess, "no-preprocess", false, "send the original image to the engine")
	fl.BoolVar(&f.noAutoRotate, "no-auto-rotate", false, "skip skew detection and correction")
	fl.BoolVar(&f.improveReadability, "improve-readability", false, "apply unsharp masking and gamma before binarization")
	fl.BoolVar(&f.noPostProcess, "no-post-process", false, "return the engine text without cleanup")
	fl.StringVar(&f.engineConfig, "config", "", `pin one engine configuration, e.g. "--oem 3 --psm 6"`)
}

func (f *optionFlags) options() processor.Options {
	return processor.Options{
		Language:           f.language,
		DetectLanguage:     f.detectLanguage,
		Preprocess:         !f.noPreprocess,
		AutoRotate:         !f.noAutoRotate,
		ImproveReadability: f.improveReadability,
		PostProcess:        !f.noPostProcess,
		EngineConfig:       f.engineConfig,
	}
}

// newExtractor builds the local pipeline from the persistent flags.
func newExtractor() (*processor.Extractor, error) {
	settings, err := config.LoadSettings(settingsFile)
	if err != nil {
		return nil, err
	}
	logger := logging.New("ocrctl", logging.Options{Level: logLevel, Format: "console", Output: os.Stderr})

	return processor.NewExtractor(&processor.ExtractorConfig{
		Engine:   ocr.NewTesseractEngine(&ocr.TesseractConfig{TessdataPrefix: tessdata, Logger: logger}),
		Settings: settings,
		Fetcher:  raster.NewFetcher(raster.FetcherConfig{MaxFileSize: maxFileSize, MaxRetries: 3, Logger: logger}),
		Logger:   logger,
	})
}

// sourceFor turns a CLI argument into an image source.
func sourceFor(arg string) raster.Source {
	if isURL(arg) {
		return raster.Source{URL: arg}
	}
	return raster.Source{Path: arg}
}
