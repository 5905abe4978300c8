package versions

import (
	"strings"

	"copydesk/internal/domain"
)

// ChangeKind tags one field-level diff entry.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Change is one field-level difference between two versions. Line is the
// 1-based body line number, or 0 for the title entry.
type Change struct {
	Field string     `json:"field"`
	Line  int        `json:"line,omitempty"`
	Kind  ChangeKind `json:"kind"`
	Old   string     `json:"old,omitempty"`
	New   string     `json:"new,omitempty"`
}

// diffVersions compares title as a single unit and body line by line at
// matching positions. This is a positional diff, not an LCS diff: inserting
// or deleting a line shifts every later comparison index.
func diffVersions(a, b domain.ContentVersion) []Change {
	var changes []Change
	if a.Title != b.Title {
		changes = append(changes, Change{Field: "title", Kind: ChangeModified, Old: a.Title, New: b.Title})
	}
	oldLines := splitLines(a.Body)
	newLines := splitLines(b.Body)
	n := len(oldLines)
	if len(newLines) > n {
		n = len(newLines)
	}
	for i := 0; i < n; i++ {
		var oldLine, newLine string
		if i < len(oldLines) {
			oldLine = oldLines[i]
		}
		if i < len(newLines) {
			newLine = newLines[i]
		}
		if oldLine == newLine {
			continue
		}
		c := Change{Field: "body", Line: i + 1, Old: oldLine, New: newLine}
		switch {
		case oldLine == "":
			c.Kind = ChangeAdded
		case newLine == "":
			c.Kind = ChangeRemoved
		default:
			c.Kind = ChangeModified
		}
		changes = append(changes, c)
	}
	return changes
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
