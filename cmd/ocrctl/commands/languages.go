package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/cmd/ocrctl/ui"
)

var languagesJSON bool

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "Show supported languages and engine settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		extractor, err := newExtractor()
		if err != nil {
			return err
		}
		info := extractor.Info()
		if languagesJSON {
			return printJSON(info)
		}

		ui.KeyValue("engine", info.Engine+" "+info.Version)
		ui.KeyValue("default language", info.DefaultLanguage)
		ui.KeyValue("default config", info.DefaultConfig)
		ui.KeyValue("candidate configs", strings.Join(info.CandidateConfigs, " | "))

		rows := make([][]string, 0, len(info.SupportedLanguages))
		for _, lang := range info.SupportedLanguages {
			mark := ""
			if lang == info.DefaultLanguage {
				mark = "default"
			}
			rows = append(rows, []string{lang, mark})
		}
		ui.Table([]string{"LANGUAGE", ""}, rows)
		return nil
	},
}

func init() {
	languagesCmd.Flags().BoolVar(&languagesJSON, "json", false, "print engine info as JSON")
	rootCmd.AddCommand(languagesCmd)
}
