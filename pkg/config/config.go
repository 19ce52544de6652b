package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Load reads a JSON config file and returns it as a map.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyToFlags overrides flag defaults from config for any flag not
// explicitly set on the command line. Call this AFTER flag.Parse().
func ApplyToFlags(cfg map[string]interface{}) {
	ApplyToFlagSet(flag.CommandLine, cfg)
}

// ApplyToFlagSet is ApplyToFlags for an arbitrary flag set. Keys can use
// hyphens or underscores ("rest-route" and "rest_route" both match
// -rest-route). Lists are joined with commas, so "registry": ["ws://a",
// "ws://b"] fills a comma-separated flag.
func ApplyToFlagSet(fs *flag.FlagSet, cfg map[string]interface{}) {
	explicit := explicitFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		if s, ok := flagString(val); ok {
			f.Value.Set(s)
		}
	})
}

// ApplyEnv overrides flags not set on the command line from environment
// variables named PREFIX_FLAG_NAME (e.g. DRP_MESH_KEY for -mesh-key).
// Call it after ApplyToFlags so the environment wins over the file.
func ApplyEnv(fs *flag.FlagSet, prefix string) {
	explicit := explicitFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		name := prefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(name); ok && v != "" {
			f.Value.Set(v)
		}
	})
}

func explicitFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	return explicit
}

func flagString(val interface{}) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case float64, bool:
		return fmt.Sprintf("%v", v), true
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := flagString(item)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	}
	return "", false
}

// SplitList splits a comma-separated flag value, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
