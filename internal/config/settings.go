package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// Settings is the OCR engine configuration shared read-only by every
// extraction. It is built once at startup and never mutated afterwards.
type Settings struct {
	SupportedLanguages []string `yaml:"supported_languages"`
	DefaultLanguage    string   `yaml:"default_language"`

	// DefaultConfig is used for box extraction when the caller gives no config.
	DefaultConfig string `yaml:"default_config"`
	// CandidateConfigs are tried in order by the strategy runner.
	CandidateConfigs []string `yaml:"candidate_configs"`
	// ProbeConfig is the fixed configuration used for language probing.
	ProbeConfig string `yaml:"probe_config"`
	// SkewSearchConfig is used by the brute-force rotation search.
	SkewSearchConfig string `yaml:"skew_search_config"`

	// LookalikeSubstitutions enables digit/letter confusion repairs in the
	// text normalizer. They corrupt numeric content, so they default to off.
	LookalikeSubstitutions bool `yaml:"lookalike_substitutions"`
}

// DefaultSettings returns the built-in engine settings.
func DefaultSettings() *Settings {
	return &Settings{
		SupportedLanguages: []string{"eng", "fra", "deu", "spa", "ita", "por", "rus", "ara", "chi_sim", "chi_tra"},
		DefaultLanguage:    "eng",
		DefaultConfig:      "--oem 3 --psm 6",
		CandidateConfigs: []string{
			"--oem 3 --psm 3",  // fully automatic
			"--oem 3 --psm 6",  // uniform block
			"--oem 3 --psm 8",  // single word
			"--oem 3 --psm 13", // raw line
		},
		ProbeConfig:      "--oem 3 --psm 6",
		SkewSearchConfig: "--oem 3 --psm 3",
	}
}

// LoadSettings reads settings from a YAML file layered over the defaults.
// An empty path returns the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the settings are usable.
func (s *Settings) Validate() error {
	if len(s.SupportedLanguages) == 0 {
		return fmt.Errorf("supported_languages must not be empty")
	}
	if s.DefaultLanguage == "" {
		return fmt.Errorf("default_language is required")
	}
	if !s.Supports(s.DefaultLanguage) {
		return fmt.Errorf("default_language %q is not in supported_languages", s.DefaultLanguage)
	}
	if len(s.CandidateConfigs) == 0 {
		return fmt.Errorf("candidate_configs must not be empty")
	}
	named := map[string]string{
		"default_config":     s.DefaultConfig,
		"probe_config":       s.ProbeConfig,
		"skew_search_config": s.SkewSearchConfig,
	}
	for i, c := range s.CandidateConfigs {
		named[fmt.Sprintf("candidate_configs[%d]", i)] = c
	}
	for key, c := range named {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%s must not be blank", key)
		}
		if _, err := ocr.ParseConfig(c); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Supports reports whether lang is a supported language code.
func (s *Settings) Supports(lang string) bool {
	for _, l := range s.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Languages returns a copy of the supported language list.
func (s *Settings) Languages() []string {
	out := make([]string, len(s.SupportedLanguages))
	copy(out, s.SupportedLanguages)
	return out
}

// Candidates returns a copy of the candidate configuration list.
func (s *Settings) Candidates() []string {
	out := make([]string, len(s.CandidateConfigs))
	copy(out, s.CandidateConfigs)
	return out
}
