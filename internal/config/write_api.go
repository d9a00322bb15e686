package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// WriteAPISection rewrites only the [api] table of a TOML config file and
// leaves every other table untouched. The write is atomic (temp file + rename).
func WriteAPISection(path string, api *APIConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("[api]\n")
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(apiToMap(api)); err != nil {
		return fmt.Errorf("encoding api config: %w", err)
	}

	content := replaceOrAppendSection(string(data), "api", buf.String())

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "invdhcpd-config-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming config: %w", err)
	}
	return nil
}

// replaceOrAppendSection swaps a top-level TOML table (and its sub-tables)
// for newContent, appending it when the table is absent. sectionName is
// bare, e.g. "api" matches [api] and [api.*].
func replaceOrAppendSection(content, sectionName, newContent string) string {
	lines := strings.Split(content, "\n")
	var result []string
	inSection := false
	replaced := false
	header := "[" + sectionName + "]"
	subPrefix := "[" + sectionName + "."

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inSection {
			if trimmed == header || strings.HasPrefix(trimmed, subPrefix) {
				inSection = true
				if !replaced {
					result = append(result, strings.TrimRight(newContent, "\n"))
					replaced = true
				}
				continue
			}
			result = append(result, line)
			continue
		}
		if len(trimmed) > 0 && trimmed[0] == '[' && trimmed != header && !strings.HasPrefix(trimmed, subPrefix) {
			inSection = false
			result = append(result, "", line)
		}
	}

	if !replaced {
		return strings.TrimRight(strings.Join(result, "\n"), "\n") + "\n\n" + newContent
	}
	return strings.Join(result, "\n")
}

func apiToMap(api *APIConfig) map[string]interface{} {
	m := map[string]interface{}{
		"enabled": api.Enabled,
	}
	if api.Listen != "" {
		m["listen"] = api.Listen
	}
	if api.TokenHash != "" {
		m["token_hash"] = api.TokenHash
	}
	return m
}
