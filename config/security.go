package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	maxFileSize  = 4 << 20
	maxDepth     = 32
	maxEnvLength = 8192
)

var fileExtensions = []string{".json", ".yaml", ".yml"}

// checkPath accepts JSON and YAML files. Relative paths must stay inside the
// working directory.
func checkPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(fileExtensions, ext) {
		return fmt.Errorf("unsupported extension %q, want one of %v", ext, fileExtensions)
	}
	if !filepath.IsAbs(path) && !filepath.IsLocal(path) {
		return fmt.Errorf("relative path %s leaves the working directory", path)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), maxFileSize)
	}
	return os.ReadFile(path)
}

func writeConfigFile(path string, data []byte) error {
	if err := checkPath(path); err != nil {
		return err
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("configuration is %d bytes, limit %d", len(data), maxFileSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvLength {
		return fmt.Errorf("%s is %d bytes, limit %d", key, len(value), maxEnvLength)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkDepth walks a decoded document and rejects excessive nesting
func checkDepth(v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("document nested deeper than %d levels", maxDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
