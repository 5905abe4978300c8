package domain

// RequestStatus is the overall state of an approval request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestApproved   RequestStatus = "approved"
	RequestRejected   RequestStatus = "rejected"
	RequestCancelled  RequestStatus = "cancelled"
)

// Active reports whether the request still blocks new requests for its content.
func (s RequestStatus) Active() bool {
	return s == RequestPending || s == RequestInProgress
}

// Terminal reports whether the request can no longer accept stage actions.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

// StageStatus is the state of a single materialized stage.
type StageStatus string

const (
	StagePending          StageStatus = "pending"
	StageInProgress       StageStatus = "in_progress"
	StageApproved         StageStatus = "approved"
	StageRejected         StageStatus = "rejected"
	StageSkipped          StageStatus = "skipped"
	StageChangesRequested StageStatus = "changes_requested"
)

type WorkflowTemplate struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	IsDefault   bool            `json:"is_default"`
	Categories  []string        `json:"categories,omitempty"`
	Stages      []StageTemplate `json:"stages"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type StageTemplate struct {
	ID          string  `json:"id"`
	TemplateID  string  `json:"template_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Role        string  `json:"role"`
	Order       int     `json:"order"`
	Required    bool    `json:"required"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type ApprovalRequest struct {
	ID             string         `json:"id"`
	ContentID      string         `json:"content_id"`
	ContentTitle   string         `json:"content_title"`
	TemplateID     string         `json:"template_id"`
	Status         RequestStatus  `json:"status" enum:"pending,in_progress,approved,rejected,cancelled"`
	CurrentStageID *string        `json:"current_stage_id,omitempty"`
	Stages         []Stage        `json:"stages,omitempty"`
	Comments       []StageComment `json:"comments,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
}

type Stage struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Role        string      `json:"role"`
	Order       int         `json:"order"`
	Required    bool        `json:"required"`
	Status      StageStatus `json:"status" enum:"pending,in_progress,approved,rejected,skipped,changes_requested"`
	AssigneeID  *string     `json:"assignee_id,omitempty"`
	CompletedBy *string     `json:"completed_by,omitempty"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
}

type StageComment struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	StageID   string `json:"stage_id"`
	AuthorID  string `json:"author_id"`
	Action    string `json:"action" enum:"submit,approve,reject,request_changes,skip"`
	Body      string `json:"body,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ContentVersion struct {
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

type ActivityEvent struct {
	ID        int64  `json:"id"`
	ContentID string `json:"content_id"`
	Type      string `json:"type"`
	ActorID   string `json:"actor_id"`
	Metadata  string `json:"metadata_json,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
