package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const maxArchiveNameLen = 80

// ArchiveFileName is the download name of an export. A user-supplied name is
// sanitized; otherwise the name is derived from the session id.
func ArchiveFileName(requested, sessionID string) string {
	name := strings.TrimSuffix(SanitizeName(requested, maxArchiveNameLen), ".zip")
	name = strings.Trim(name, ". ")
	if name == "" {
		short := sessionID
		if len(short) > 8 {
			short = short[:8]
		}
		name = "sam3-export-" + short
	}
	return name + ".zip"
}

// SanitizeName drops control characters and replaces anything outside
// letters, digits and a small punctuation set with '_'.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
		case isAllowedNameRune(r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		if runes := []rune(cleaned); len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return strings.ContainsRune(" -_.,()", r)
}

// ValidateArchiveDir checks that dir is a clean, existing directory path
// without traversal segments.
func ValidateArchiveDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("exports dir is required")
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("exports dir cannot contain path traversal")
		}
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("exports dir must be a clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("exports dir does not exist")
		}
		return fmt.Errorf("invalid exports dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("exports dir is not a directory")
	}
	return nil
}
