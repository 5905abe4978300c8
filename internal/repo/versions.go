package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"copydesk/internal/domain"
)

// MaxVersionNumberTx returns the highest version number for a content id, 0 if none.
// Callers must run it in the same transaction that inserts the next version so
// numbering stays contiguous under concurrent snapshots.
func (r Repo) MaxVersionNumberTx(ctx context.Context, tx *sql.Tx, contentID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0) FROM content_versions WHERE content_id=?`, contentID).Scan(&n)
	return n, err
}

// ClearCurrentTx flips is_current off for all versions of a content id.
func (r Repo) ClearCurrentTx(ctx context.Context, tx *sql.Tx, contentID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE content_versions SET is_current=0 WHERE content_id=?`, contentID)
	return err
}

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.ContentVersion) error {
	var metadata any
	if len(v.Metadata) > 0 {
		b, err := json.Marshal(v.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO content_versions(id,content_id,version_number,title,body,metadata_json,author_id,change_summary,is_current,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ContentID, v.VersionNumber, v.Title, v.Body, metadata, v.AuthorID, nullable(v.ChangeSummary), boolToInt(v.IsCurrent), v.CreatedAt)
	return err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.ContentVersion, error) {
	return scanVersion(r.DB.QueryRowContext(ctx, `SELECT id,content_id,version_number,title,body,metadata_json,author_id,COALESCE(change_summary,''),is_current,created_at
FROM content_versions WHERE id=?`, id))
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ContentVersion, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT id,content_id,version_number,title,body,metadata_json,author_id,COALESCE(change_summary,''),is_current,created_at
FROM content_versions WHERE id=?`, id))
}

// CurrentVersion returns the version flagged current for a content id.
func (r Repo) CurrentVersion(ctx context.Context, contentID string) (domain.ContentVersion, error) {
	return scanVersion(r.DB.QueryRowContext(ctx, `SELECT id,content_id,version_number,title,body,metadata_json,author_id,COALESCE(change_summary,''),is_current,created_at
FROM content_versions WHERE content_id=? AND is_current=1`, contentID))
}

func scanVersion(row *sql.Row) (domain.ContentVersion, error) {
	var v domain.ContentVersion
	var metadata sql.NullString
	var isCurrent int
	err := row.Scan(&v.ID, &v.ContentID, &v.VersionNumber, &v.Title, &v.Body, &metadata, &v.AuthorID, &v.ChangeSummary, &isCurrent, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.IsCurrent = isCurrent != 0
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &v.Metadata)
	}
	return v, nil
}

// ListVersions returns all versions of a content item, newest version first.
func (r Repo) ListVersions(ctx context.Context, contentID string) ([]domain.ContentVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,content_id,version_number,title,body,metadata_json,author_id,COALESCE(change_summary,''),is_current,created_at
FROM content_versions WHERE content_id=? ORDER BY version_number DESC`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentVersion
	for rows.Next() {
		var v domain.ContentVersion
		var metadata sql.NullString
		var isCurrent int
		if err := rows.Scan(&v.ID, &v.ContentID, &v.VersionNumber, &v.Title, &v.Body, &metadata, &v.AuthorID, &v.ChangeSummary, &isCurrent, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.IsCurrent = isCurrent != 0
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &v.Metadata)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
