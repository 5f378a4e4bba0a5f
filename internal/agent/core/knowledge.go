package core

import (
	"path/filepath"
	"strings"
)

// knowledgeBasenames are the case-insensitive file basenames that count as
// auto-discoverable project knowledge (spec §8 S7).
var knowledgeBasenames = map[string]bool{
	"knowledge.md": true,
	"claude.md":    true,
}

// DiscoverKnowledgeFiles scans the supplied project file paths for
// case-insensitive knowledge-file basenames. It returns paths in the order
// they first appear in projectFiles, deduplicated.
func DiscoverKnowledgeFiles(projectFiles []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range projectFiles {
		base := strings.ToLower(filepath.Base(p))
		if !knowledgeBasenames[base] {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ResolveKnowledgeFiles returns explicit when the caller already supplied a
// non-nil set — explicitly-provided knowledgeFiles are never overwritten —
// otherwise it auto-discovers from projectFiles.
func ResolveKnowledgeFiles(explicit []string, projectFiles []string) []string {
	if explicit != nil {
		return explicit
	}
	return DiscoverKnowledgeFiles(projectFiles)
}
