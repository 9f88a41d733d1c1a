package ocr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Config is a parsed tesseract-style configuration string such as
// "--oem 3 --psm 6 -c preserve_interword_spaces=1".
type Config struct {
	Raw       string
	OEM       int // -1 when unset
	PSM       int // -1 when unset
	DPI       int // 0 when unset
	Variables map[string]string
}

// ParseConfig parses a configuration string. Flags it does not know are
// rejected so that typos do not silently fall back to engine defaults.
func ParseConfig(raw string) (Config, error) {
	cfg := Config{Raw: strings.TrimSpace(raw), OEM: -1, PSM: -1, Variables: map[string]string{}}
	fields := strings.Fields(raw)

	for i := 0; i < len(fields); i++ {
		flag := fields[i]
		value := func() (string, error) {
			if i+1 >= len(fields) {
				return "", fmt.Errorf("flag %s requires a value", flag)
			}
			i++
			return fields[i], nil
		}

		switch flag {
		case "--oem", "--psm", "--dpi":
			v, err := value()
			if err != nil {
				return Config{}, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return Config{}, fmt.Errorf("flag %s expects a non-negative integer, got %q", flag, v)
			}
			switch flag {
			case "--oem":
				if n > 3 {
					return Config{}, fmt.Errorf("--oem must be between 0 and 3, got %d", n)
				}
				cfg.OEM = n
			case "--psm":
				if n > 13 {
					return Config{}, fmt.Errorf("--psm must be between 0 and 13, got %d", n)
				}
				cfg.PSM = n
			default:
				cfg.DPI = n
			}
		case "-c":
			v, err := value()
			if err != nil {
				return Config{}, err
			}
			key, val, ok := strings.Cut(v, "=")
			if !ok || key == "" {
				return Config{}, fmt.Errorf("-c expects key=value, got %q", v)
			}
			cfg.Variables[key] = val
		default:
			return Config{}, fmt.Errorf("unknown engine flag %q", flag)
		}
	}

	return cfg, nil
}

// MustParseConfig is ParseConfig for built-in configuration strings.
func MustParseConfig(raw string) Config {
	cfg, err := ParseConfig(raw)
	if err != nil {
		panic(err)
	}
	return cfg
}

// String renders the config back into flag form, variables sorted by key.
func (c Config) String() string {
	var parts []string
	if c.OEM >= 0 {
		parts = append(parts, "--oem", strconv.Itoa(c.OEM))
	}
	if c.PSM >= 0 {
		parts = append(parts, "--psm", strconv.Itoa(c.PSM))
	}
	if c.DPI > 0 {
		parts = append(parts, "--dpi", strconv.Itoa(c.DPI))
	}
	keys := make([]string, 0, len(c.Variables))
	for k := range c.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, "-c", k+"="+c.Variables[k])
	}
	return strings.Join(parts, " ")
}
