package repo

import (
	"context"
	"database/sql"
	"errors"

	"copydesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertRequestTx stores a request together with its materialized stages.
func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_requests(id,content_id,content_title,template_id,status,current_stage_id,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ContentID, req.ContentTitle, req.TemplateID, string(req.Status),
		nullableStringPtr(req.CurrentStageID), req.CreatedAt, req.UpdatedAt, nullableStringPtr(req.CompletedAt))
	if err != nil {
		return err
	}
	for _, s := range req.Stages {
		if err := r.InsertStageTx(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_stages(id,request_id,name,description,role,stage_order,required,status,assignee_id,completed_by,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RequestID, s.Name, nullable(s.Description), s.Role, s.Order, boolToInt(s.Required),
		string(s.Status), nullableStringPtr(s.AssigneeID), nullableStringPtr(s.CompletedBy), nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.StageComment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_comments(id,request_id,stage_id,author_id,action,body,created_at)
VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.RequestID, c.StageID, c.AuthorID, c.Action, nullable(c.Body), c.CreatedAt)
	return err
}

// UpdateRequestTx persists the mutable request columns.
func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status=?, current_stage_id=?, updated_at=?, completed_at=? WHERE id=?`,
		string(req.Status), nullableStringPtr(req.CurrentStageID), req.UpdatedAt, nullableStringPtr(req.CompletedAt), req.ID)
	return err
}

// UpdateStageTx persists the mutable stage columns.
func (r Repo) UpdateStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `UPDATE approval_stages SET status=?, assignee_id=?, completed_by=?, completed_at=? WHERE id=?`,
		string(s.Status), nullableStringPtr(s.AssigneeID), nullableStringPtr(s.CompletedBy), nullableStringPtr(s.CompletedAt), s.ID)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return r.getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return r.getRequest(ctx, tx, id)
}

func (r Repo) getRequest(ctx context.Context, q querier, id string) (domain.ApprovalRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT id,content_id,content_title,template_id,status,current_stage_id,created_at,updated_at,completed_at FROM approval_requests WHERE id=?`, id))
	if err != nil {
		return req, err
	}
	req.Stages, err = r.listStages(ctx, q, req.ID)
	if err != nil {
		return req, err
	}
	req.Comments, err = r.listComments(ctx, q, req.ID)
	return req, err
}

func scanRequest(row *sql.Row) (domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var status string
	var currentStage, completedAt sql.NullString
	err := row.Scan(&req.ID, &req.ContentID, &req.ContentTitle, &req.TemplateID, &status, &currentStage, &req.CreatedAt, &req.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Status = domain.RequestStatus(status)
	if currentStage.Valid {
		req.CurrentStageID = &currentStage.String
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.String
	}
	return req, nil
}

// ActiveRequestForContent returns the pending or in-progress request for a
// content item, if one exists.
func (r Repo) ActiveRequestForContentTx(ctx context.Context, tx *sql.Tx, contentID string) (domain.ApprovalRequest, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT id,content_id,content_title,template_id,status,current_stage_id,created_at,updated_at,completed_at
FROM approval_requests WHERE content_id=? AND status IN ('pending','in_progress') ORDER BY created_at DESC, id DESC LIMIT 1`, contentID))
	if err != nil {
		return req, err
	}
	req.Stages, err = r.listStages(ctx, tx, req.ID)
	return req, err
}

// ListRequests returns all requests for a content item, newest first, with stages.
func (r Repo) ListRequests(ctx context.Context, contentID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,content_id,content_title,template_id,status,current_stage_id,created_at,updated_at,completed_at
FROM approval_requests WHERE content_id=? ORDER BY created_at DESC, id DESC`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		var req domain.ApprovalRequest
		var status string
		var currentStage, completedAt sql.NullString
		if err := rows.Scan(&req.ID, &req.ContentID, &req.ContentTitle, &req.TemplateID, &status, &currentStage, &req.CreatedAt, &req.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		req.Status = domain.RequestStatus(status)
		if currentStage.Valid {
			req.CurrentStageID = &currentStage.String
		}
		if completedAt.Valid {
			req.CompletedAt = &completedAt.String
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Stages, err = r.listStages(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) listStages(ctx context.Context, q querier, requestID string) ([]domain.Stage, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,request_id,name,COALESCE(description,''),role,stage_order,required,status,assignee_id,completed_by,completed_at
FROM approval_stages WHERE request_id=? ORDER BY stage_order ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var required int
		var status string
		var assignee, completedBy, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.RequestID, &s.Name, &s.Description, &s.Role, &s.Order, &required, &status, &assignee, &completedBy, &completedAt); err != nil {
			return nil, err
		}
		s.Required = required != 0
		s.Status = domain.StageStatus(status)
		if assignee.Valid {
			s.AssigneeID = &assignee.String
		}
		if completedBy.Valid {
			s.CompletedBy = &completedBy.String
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) listComments(ctx context.Context, q querier, requestID string) ([]domain.StageComment, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,request_id,stage_id,author_id,action,COALESCE(body,''),created_at
FROM stage_comments WHERE request_id=? ORDER BY rowid ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageComment
	for rows.Next() {
		var c domain.StageComment
		if err := rows.Scan(&c.ID, &c.RequestID, &c.StageID, &c.AuthorID, &c.Action, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
