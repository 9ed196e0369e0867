package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to configuration input
const (
	maxLayerSize = 1 << 20
	maxNesting   = 64
	maxEnvValue  = 4096
	maxPathLen   = 4096
)

// checkLayerPath rejects paths that cannot name a configuration layer
func checkLayerPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path longer than %d bytes", maxPathLen)
	case strings.ContainsRune(path, 0):
		return fmt.Errorf("path contains a NUL byte")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent references not allowed: %s", path)
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return fmt.Errorf("unsupported extension %q, want .json, .yaml or .yml", filepath.Ext(path))
	}
}

// safeReadFile reads one layer. Symlinks are followed; the target must be a
// regular file no larger than maxLayerSize.
func safeReadFile(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// safeWriteFile writes data readable by the owner only
func safeWriteFile(path string, data []byte) error {
	if err := checkLayerPath(path); err != nil {
		return err
	}
	if len(data) > maxLayerSize {
		return fmt.Errorf("encoded config is %d bytes, limit is %d", len(data), maxLayerSize)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s is %d bytes, limit is %d", key, len(value), maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// validateJSONDepth bounds object and array nesting before decoding
func validateJSONDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("nesting deeper than %d", maxNesting)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced brackets")
			}
		}
	}
	if depth != 0 || inString {
		return fmt.Errorf("unterminated document")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty document")
	}
	return nil
}
