package server

import (
	"copydesk/internal/activity"
	"copydesk/internal/domain"
	"copydesk/internal/versions"
)

// Request payloads

type CreateRequestRequest struct {
	ContentTitle string `json:"content_title"`
	TemplateID   string `json:"template_id,omitempty"`
}

type StageActionRequest struct {
	Action  string `json:"action" enum:"approve,reject,request_changes,skip"`
	Comment string `json:"comment,omitempty"`
}

type ResubmitRequest struct {
	Comment string `json:"comment,omitempty"`
}

type SnapshotRequest struct {
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ChangeSummary string            `json:"change_summary,omitempty"`
}

// Response payloads

type TemplateResponse struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	IsDefault   bool                    `json:"is_default"`
	Categories  []string                `json:"categories,omitempty"`
	Stages      []StageTemplateResponse `json:"stages"`
}

type StageTemplateResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Role        string  `json:"role"`
	Order       int     `json:"order"`
	Required    bool    `json:"required"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type RequestResponse struct {
	ID             string            `json:"id"`
	ContentID      string            `json:"content_id"`
	ContentTitle   string            `json:"content_title"`
	TemplateID     string            `json:"template_id"`
	Status         string            `json:"status" enum:"pending,in_progress,approved,rejected,cancelled"`
	CurrentStageID *string           `json:"current_stage_id,omitempty"`
	Stages         []StageResponse   `json:"stages,omitempty"`
	Comments       []CommentResponse `json:"comments,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
}

type StageResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Role        string  `json:"role"`
	Order       int     `json:"order"`
	Required    bool    `json:"required"`
	Status      string  `json:"status" enum:"pending,in_progress,approved,rejected,skipped,changes_requested"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	StageID   string `json:"stage_id"`
	AuthorID  string `json:"author_id"`
	Action    string `json:"action"`
	Body      string `json:"body,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type VersionResponse struct {
	ID            string            `json:"id"`
	ContentID     string            `json:"content_id"`
	VersionNumber int               `json:"version_number"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AuthorID      string            `json:"author_id"`
	ChangeSummary string            `json:"change_summary,omitempty"`
	IsCurrent     bool              `json:"is_current"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
}

type DiffEntryResponse struct {
	Field string `json:"field"`
	Line  int    `json:"line,omitempty"`
	Kind  string `json:"kind" enum:"added,removed,modified"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`
}

type ActivityEventResponse struct {
	ID          int64  `json:"id"`
	ContentID   string `json:"content_id"`
	Type        string `json:"type"`
	ActorID     string `json:"actor_id"`
	Metadata    string `json:"metadata_json,omitempty"`
	Description string `json:"description"`
	TS          string `json:"ts" format:"date-time"`
}

func templateResponse(t domain.WorkflowTemplate) TemplateResponse {
	out := TemplateResponse{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		IsDefault:   t.IsDefault,
		Categories:  t.Categories,
	}
	for _, s := range t.Stages {
		out.Stages = append(out.Stages, StageTemplateResponse{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Role:        s.Role,
			Order:       s.Order,
			Required:    s.Required,
			AssigneeID:  s.AssigneeID,
		})
	}
	return out
}

func requestResponse(req domain.ApprovalRequest) RequestResponse {
	out := RequestResponse{
		ID:             req.ID,
		ContentID:      req.ContentID,
		ContentTitle:   req.ContentTitle,
		TemplateID:     req.TemplateID,
		Status:         string(req.Status),
		CurrentStageID: req.CurrentStageID,
		CreatedAt:      req.CreatedAt,
		UpdatedAt:      req.UpdatedAt,
		CompletedAt:    req.CompletedAt,
	}
	for _, s := range req.Stages {
		out.Stages = append(out.Stages, StageResponse{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Role:        s.Role,
			Order:       s.Order,
			Required:    s.Required,
			Status:      string(s.Status),
			AssigneeID:  s.AssigneeID,
			CompletedBy: s.CompletedBy,
			CompletedAt: s.CompletedAt,
		})
	}
	for _, c := range req.Comments {
		out.Comments = append(out.Comments, CommentResponse{
			ID:        c.ID,
			StageID:   c.StageID,
			AuthorID:  c.AuthorID,
			Action:    c.Action,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}

func versionResponse(v domain.ContentVersion) VersionResponse {
	return VersionResponse{
		ID:            v.ID,
		ContentID:     v.ContentID,
		VersionNumber: v.VersionNumber,
		Title:         v.Title,
		Body:          v.Body,
		Metadata:      v.Metadata,
		AuthorID:      v.AuthorID,
		ChangeSummary: v.ChangeSummary,
		IsCurrent:     v.IsCurrent,
		CreatedAt:     v.CreatedAt,
	}
}

func mapVersions(items []domain.ContentVersion) []VersionResponse {
	out := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		out = append(out, versionResponse(v))
	}
	return out
}

func mapRequests(items []domain.ApprovalRequest) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

func mapActivity(items []domain.ActivityEvent) []ActivityEventResponse {
	out := make([]ActivityEventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, ActivityEventResponse{
			ID:          evt.ID,
			ContentID:   evt.ContentID,
			Type:        evt.Type,
			ActorID:     evt.ActorID,
			Metadata:    evt.Metadata,
			Description: activity.DescribeEvent(evt),
			TS:          evt.TS,
		})
	}
	return out
}

func mapDiff(changes []versions.Change) []DiffEntryResponse {
	out := make([]DiffEntryResponse, 0, len(changes))
	for _, c := range changes {
		out = append(out, DiffEntryResponse{
			Field: c.Field,
			Line:  c.Line,
			Kind:  string(c.Kind),
			Old:   c.Old,
			New:   c.New,
		})
	}
	return out
}
