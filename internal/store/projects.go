package store

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ProjectKey computes the deterministic file key for a project identifier:
// a readable slug plus a short hash so distinct ids never share a file.
func ProjectKey(projectID string) string {
	h := sha256.Sum256([]byte(projectID))
	slug := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return unicode.ToLower(r)
		}
		return '-'
	}, filepath.Base(projectID))
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "project"
	}
	return fmt.Sprintf("%s-%x", slug, h[:4])
}

// ProjectDBPath returns the database file holding one project's memory.
func ProjectDBPath(dataDir, projectID string) string {
	return filepath.Join(dataDir, ProjectKey(projectID)+".db")
}
