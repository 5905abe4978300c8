package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copydesk/internal/domain"
)

func version(title, body string) domain.ContentVersion {
	return domain.ContentVersion{Title: title, Body: body}
}

func TestDiffModifiedAndAddedLines(t *testing.T) {
	a := version("Post", "A\nB\nC")
	b := version("Post", "A\nX\nC\nD")

	changes := diffVersions(a, b)
	require.Len(t, changes, 2)

	assert.Equal(t, Change{Field: "body", Line: 2, Kind: ChangeModified, Old: "B", New: "X"}, changes[0])
	assert.Equal(t, Change{Field: "body", Line: 4, Kind: ChangeAdded, New: "D"}, changes[1])
}

func TestDiffRemovedLines(t *testing.T) {
	a := version("Post", "A\nB\nC")
	b := version("Post", "A")

	changes := diffVersions(a, b)
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Field: "body", Line: 2, Kind: ChangeRemoved, Old: "B"}, changes[0])
	assert.Equal(t, Change{Field: "body", Line: 3, Kind: ChangeRemoved, Old: "C"}, changes[1])
}

func TestDiffTitleOnlyWhenChanged(t *testing.T) {
	changes := diffVersions(version("Old title", "same"), version("New title", "same"))
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Field: "title", Kind: ChangeModified, Old: "Old title", New: "New title"}, changes[0])

	assert.Empty(t, diffVersions(version("Same", "same"), version("Same", "same")))
}

func TestDiffIsPositional(t *testing.T) {
	// inserting a line at the top shifts every later comparison index
	a := version("Post", "A\nB")
	b := version("Post", "Z\nA\nB")

	changes := diffVersions(a, b)
	require.Len(t, changes, 3)
	assert.Equal(t, ChangeModified, changes[0].Kind)
	assert.Equal(t, ChangeModified, changes[1].Kind)
	assert.Equal(t, ChangeAdded, changes[2].Kind)
}

func TestDiffEmptyBodiesAndCRLF(t *testing.T) {
	assert.Empty(t, diffVersions(version("T", ""), version("T", "")))

	changes := diffVersions(version("T", ""), version("T", "only line"))
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeAdded, changes[0].Kind)

	// carriage returns normalize away
	assert.Empty(t, diffVersions(version("T", "A\r\nB"), version("T", "A\nB")))
}

func TestDiffEmptyLineTreatedAsAbsent(t *testing.T) {
	// a blank line counts as absent, so filling it in reads as an addition
	changes := diffVersions(version("T", "A\n\nC"), version("T", "A\nB\nC"))
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Field: "body", Line: 2, Kind: ChangeAdded, New: "B"}, changes[0])
}
