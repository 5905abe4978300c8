package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"copydesk/internal/activity"
	"copydesk/internal/domain"
	"copydesk/internal/repo"
)

// Store owns content version rows. Numbering is per content id, contiguous
// from 1, assigned inside the same transaction that flips the current flag so
// exactly one version per content item is current at all times.
type Store struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Log
	Now      func() time.Time
}

func New(db *sql.DB) Store {
	return Store{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Log{DB: db},
		Now:      time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SnapshotOptions carry the content fields captured at save time.
type SnapshotOptions struct {
	ContentID     string
	Title         string
	Body          string
	Metadata      map[string]string
	AuthorID      string
	ChangeSummary string
}

// Snapshot saves an immutable copy of the content as the next version.
func (s Store) Snapshot(ctx context.Context, opts SnapshotOptions) (domain.ContentVersion, error) {
	if opts.ContentID == "" {
		return domain.ContentVersion{}, errors.New("content id is required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	defer tx.Rollback()

	v, err := s.insertNext(ctx, tx, opts)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := s.Activity.Append(ctx, tx, v.ContentID, activity.TypeVersionCreated, v.AuthorID, activity.Metadata{
		"version":    v.VersionNumber,
		"version_id": v.ID,
	}); err != nil {
		return domain.ContentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, err
	}
	return v, nil
}

// insertNext assigns max+1, clears prior current flags and inserts the row.
func (s Store) insertNext(ctx context.Context, tx *sql.Tx, opts SnapshotOptions) (domain.ContentVersion, error) {
	max, err := s.Repo.MaxVersionNumberTx(ctx, tx, opts.ContentID)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := s.Repo.ClearCurrentTx(ctx, tx, opts.ContentID); err != nil {
		return domain.ContentVersion{}, err
	}
	v := domain.ContentVersion{
		ID:            uuid.New().String(),
		ContentID:     opts.ContentID,
		VersionNumber: max + 1,
		Title:         opts.Title,
		Body:          opts.Body,
		Metadata:      opts.Metadata,
		AuthorID:      opts.AuthorID,
		ChangeSummary: opts.ChangeSummary,
		IsCurrent:     true,
		CreatedAt:     s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertVersionTx(ctx, tx, v); err != nil {
		return domain.ContentVersion{}, err
	}
	return v, nil
}

// Restore appends a new version copied from the target version. The restored
// version itself is left untouched; history only grows.
func (s Store) Restore(ctx context.Context, versionID, actorID string) (domain.ContentVersion, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	defer tx.Rollback()

	src, err := s.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ContentVersion{}, fmt.Errorf("version %s: %w", versionID, repo.ErrNotFound)
		}
		return domain.ContentVersion{}, err
	}
	v, err := s.insertNext(ctx, tx, SnapshotOptions{
		ContentID:     src.ContentID,
		Title:         src.Title,
		Body:          src.Body,
		Metadata:      src.Metadata,
		AuthorID:      actorID,
		ChangeSummary: fmt.Sprintf("Restored from version %d", src.VersionNumber),
	})
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := s.Activity.Append(ctx, tx, v.ContentID, activity.TypeVersionRestored, actorID, activity.Metadata{
		"version":       v.VersionNumber,
		"restored_from": src.VersionNumber,
	}); err != nil {
		return domain.ContentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, err
	}
	return v, nil
}

// Diff returns the ordered field-level changes between two versions.
func (s Store) Diff(ctx context.Context, versionIDA, versionIDB string) ([]Change, error) {
	a, err := s.Repo.GetVersion(ctx, versionIDA)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("version %s: %w", versionIDA, repo.ErrNotFound)
		}
		return nil, err
	}
	b, err := s.Repo.GetVersion(ctx, versionIDB)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("version %s: %w", versionIDB, repo.ErrNotFound)
		}
		return nil, err
	}
	return diffVersions(a, b), nil
}

// Get returns one version by id.
func (s Store) Get(ctx context.Context, versionID string) (domain.ContentVersion, error) {
	v, err := s.Repo.GetVersion(ctx, versionID)
	if err != nil && errors.Is(err, repo.ErrNotFound) {
		return v, fmt.Errorf("version %s: %w", versionID, repo.ErrNotFound)
	}
	return v, err
}

// List returns all versions for a content item, newest first.
func (s Store) List(ctx context.Context, contentID string) ([]domain.ContentVersion, error) {
	return s.Repo.ListVersions(ctx, contentID)
}
