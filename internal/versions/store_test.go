package versions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copydesk/internal/activity"
	"copydesk/internal/db"
	"copydesk/internal/migrate"
	"copydesk/internal/repo"
	"copydesk/internal/versions"
)

func newTestStore(t *testing.T) (versions.Store, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	s := versions.New(conn)
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, context.Background()
}

func snap(contentID, title, body, summary string) versions.SnapshotOptions {
	return versions.SnapshotOptions{
		ContentID:     contentID,
		Title:         title,
		Body:          body,
		AuthorID:      "author-1",
		ChangeSummary: summary,
	}
}

func TestSnapshotNumbersAreContiguousPerContent(t *testing.T) {
	s, ctx := newTestStore(t)

	v1, err := s.Snapshot(ctx, snap("post-1", "Draft", "hello", "first draft"))
	require.NoError(t, err)
	v2, err := s.Snapshot(ctx, snap("post-1", "Draft", "hello world", "expanded"))
	require.NoError(t, err)
	other, err := s.Snapshot(ctx, snap("post-2", "Other", "unrelated", ""))
	require.NoError(t, err)

	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, 1, other.VersionNumber, "numbering is per content id")

	list, err := s.List(ctx, "post-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].VersionNumber, "newest first")
	assert.True(t, list[0].IsCurrent)
	assert.False(t, list[1].IsCurrent)
}

func TestSnapshotKeepsOldVersionsImmutable(t *testing.T) {
	s, ctx := newTestStore(t)

	v1, err := s.Snapshot(ctx, snap("post-1", "Draft", "original", ""))
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, snap("post-1", "Draft", "rewritten", ""))
	require.NoError(t, err)

	got, err := s.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Body)
	assert.False(t, got.IsCurrent)
}

func TestRestoreAppendsNewVersion(t *testing.T) {
	s, ctx := newTestStore(t)

	v1, err := s.Snapshot(ctx, snap("post-1", "Draft", "original", ""))
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, snap("post-1", "Draft v2", "rewritten", ""))
	require.NoError(t, err)

	restored, err := s.Restore(ctx, v1.ID, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, 3, restored.VersionNumber)
	assert.Equal(t, "original", restored.Body)
	assert.Equal(t, "Draft", restored.Title)
	assert.Equal(t, "editor-1", restored.AuthorID)
	assert.Equal(t, "Restored from version 1", restored.ChangeSummary)
	assert.True(t, restored.IsCurrent)

	// the source row is untouched and history only grows
	src, err := s.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, src.IsCurrent)
	list, err := s.List(ctx, "post-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	// restored content matches the source exactly
	changes, err := s.Diff(ctx, v1.ID, restored.ID)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestExactlyOneCurrentVersion(t *testing.T) {
	s, ctx := newTestStore(t)

	for i := 0; i < 4; i++ {
		_, err := s.Snapshot(ctx, snap("post-1", "Draft", "body", ""))
		require.NoError(t, err)
	}
	list, err := s.List(ctx, "post-1")
	require.NoError(t, err)
	current := 0
	for _, v := range list {
		if v.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)

	cur, err := s.Repo.CurrentVersion(ctx, "post-1")
	require.NoError(t, err)
	assert.Equal(t, 4, cur.VersionNumber)
}

func TestSnapshotValidationAndMissingVersion(t *testing.T) {
	s, ctx := newTestStore(t)

	_, err := s.Snapshot(ctx, versions.SnapshotOptions{Title: "no content id"})
	require.Error(t, err)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = s.Restore(ctx, "missing", "editor-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = s.Diff(ctx, "missing", "also-missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestVersionActivityEntries(t *testing.T) {
	s, ctx := newTestStore(t)

	v1, err := s.Snapshot(ctx, snap("post-1", "Draft", "original", ""))
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, snap("post-1", "Draft", "rewritten", ""))
	require.NoError(t, err)
	_, err = s.Restore(ctx, v1.ID, "editor-1")
	require.NoError(t, err)

	events, err := s.Activity.List(ctx, "post-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, string(activity.TypeVersionRestored), events[0].Type)
	assert.Equal(t, string(activity.TypeVersionCreated), events[1].Type)
	assert.Equal(t, "restored version 1 as version 3", activity.DescribeEvent(events[0]))
}

func TestMetadataRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)

	opts := snap("post-1", "Draft", "body", "")
	opts.Metadata = map[string]string{"channel": "email", "locale": "en-US"}
	v, err := s.Snapshot(ctx, opts)
	require.NoError(t, err)

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, opts.Metadata, got.Metadata)
}
