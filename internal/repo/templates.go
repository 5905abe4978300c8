package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"copydesk/internal/domain"
)

// UpsertTemplateTx replaces a template and its stage blueprints. Templates are
// immutable configuration; seeding rewrites the whole row set for the id.
func (r Repo) UpsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	var categories any
	if len(t.Categories) > 0 {
		b, err := json.Marshal(t.Categories)
		if err != nil {
			return err
		}
		categories = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_templates(id,name,description,is_default,categories_json,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, is_default=excluded.is_default, categories_json=excluded.categories_json`,
		t.ID, t.Name, nullable(t.Description), boolToInt(t.IsDefault), categories, t.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_stage_templates WHERE template_id=?`, t.ID); err != nil {
		return err
	}
	for _, s := range t.Stages {
		_, err := tx.ExecContext(ctx, `INSERT INTO workflow_stage_templates(id,template_id,name,description,role,stage_order,required,assignee_id)
VALUES (?,?,?,?,?,?,?,?)`,
			s.ID, t.ID, s.Name, nullable(s.Description), s.Role, s.Order, boolToInt(s.Required), nullableStringPtr(s.AssigneeID))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),is_default,categories_json,created_at FROM workflow_templates WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Stages, err = r.listStageTemplates(ctx, t.ID)
	return t, err
}

// DefaultTemplate returns the template marked default.
func (r Repo) DefaultTemplate(ctx context.Context) (domain.WorkflowTemplate, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),is_default,categories_json,created_at FROM workflow_templates WHERE is_default=1 LIMIT 1`))
	if err != nil {
		return t, err
	}
	t.Stages, err = r.listStageTemplates(ctx, t.ID)
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),is_default,categories_json,created_at FROM workflow_templates ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		var t domain.WorkflowTemplate
		var isDefault int
		var categories sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &isDefault, &categories, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.IsDefault = isDefault != 0
		if categories.Valid {
			_ = json.Unmarshal([]byte(categories.String), &t.Categories)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Stages, err = r.listStageTemplates(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func scanTemplate(row *sql.Row) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	var isDefault int
	var categories sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Description, &isDefault, &categories, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsDefault = isDefault != 0
	if categories.Valid {
		_ = json.Unmarshal([]byte(categories.String), &t.Categories)
	}
	return t, nil
}

func (r Repo) listStageTemplates(ctx context.Context, templateID string) ([]domain.StageTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,name,COALESCE(description,''),role,stage_order,required,assignee_id
FROM workflow_stage_templates WHERE template_id=? ORDER BY stage_order ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTemplate
	for rows.Next() {
		var s domain.StageTemplate
		var required int
		var assignee sql.NullString
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.Name, &s.Description, &s.Role, &s.Order, &required, &assignee); err != nil {
			return nil, err
		}
		s.Required = required != 0
		if assignee.Valid {
			s.AssigneeID = &assignee.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
