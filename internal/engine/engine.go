package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"copydesk/internal/activity"
	"copydesk/internal/config"
	"copydesk/internal/domain"
	"copydesk/internal/engine/auth"
	"copydesk/internal/repo"
)

// Action is the closed set of stage action tokens.
type Action string

const (
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionRequestChanges Action = "request_changes"
	ActionSkip           Action = "skip"
	// ActionSubmit tags resubmission comments; it is not accepted by SubmitAction.
	ActionSubmit Action = "submit"
)

// Valid reports whether the action is accepted by SubmitAction.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionRequestChanges, ActionSkip:
		return true
	}
	return false
}

// CommentRequired reports whether callers must supply a comment for the action.
// The engine itself does not enforce this; the API and CLI layers do.
func (a Action) CommentRequired() bool {
	return a != ActionSkip
}

// Engine drives the approval workflow state machine. Every mutation runs in
// one transaction: comment and stage rows change together with the request's
// current-stage pointer, and the activity entry is appended inside the same
// transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Log
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Log{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Authorize reports whether the actor may act on the stage: role match, or the
// elevated final-approver role from the registry config.
func (e Engine) Authorize(actor auth.Actor, stage domain.Stage) bool {
	finalRole := ""
	if e.Config != nil {
		finalRole = e.Config.FinalApproverRole()
	}
	return auth.CanAct(actor, stage.Role, finalRole)
}

// CreateRequestOptions are parameters for opening an approval request.
type CreateRequestOptions struct {
	ContentID    string
	ContentTitle string
	// TemplateID selects the workflow template; empty selects the default.
	TemplateID string
	ActorID    string
}

// CreateRequest materializes stage copies from the template and opens the
// request with the first stage in progress.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.ApprovalRequest, error) {
	if opts.ContentID == "" {
		return domain.ApprovalRequest{}, errors.New("content id is required")
	}
	var tpl domain.WorkflowTemplate
	var err error
	if opts.TemplateID == "" {
		tpl, err = e.Repo.DefaultTemplate(ctx)
	} else {
		tpl, err = e.Repo.GetTemplate(ctx, opts.TemplateID)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, NotFoundError{Kind: "template", ID: opts.TemplateID}
		}
		return domain.ApprovalRequest{}, err
	}
	if len(tpl.Stages) == 0 {
		return domain.ApprovalRequest{}, errors.New("template has no stages")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	if active, err := e.Repo.ActiveRequestForContentTx(ctx, tx, opts.ContentID); err == nil {
		return domain.ApprovalRequest{}, ActiveRequestError{ContentID: opts.ContentID, RequestID: active.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ApprovalRequest{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	req := domain.ApprovalRequest{
		ID:           uuid.New().String(),
		ContentID:    opts.ContentID,
		ContentTitle: opts.ContentTitle,
		TemplateID:   tpl.ID,
		Status:       domain.RequestInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, st := range tpl.Stages {
		stage := domain.Stage{
			ID:          uuid.New().String(),
			RequestID:   req.ID,
			Name:        st.Name,
			Description: st.Description,
			Role:        st.Role,
			Order:       st.Order,
			Required:    st.Required,
			Status:      domain.StagePending,
			AssigneeID:  st.AssigneeID,
		}
		if i == 0 {
			stage.Status = domain.StageInProgress
			id := stage.ID
			req.CurrentStageID = &id
		}
		req.Stages = append(req.Stages, stage)
	}
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.Activity.Append(ctx, tx, req.ContentID, activity.TypeApprovalRequested, opts.ActorID, activity.Metadata{
		"request_id": req.ID,
		"template":   tpl.Name,
		"stage":      req.Stages[0].Name,
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

// ActionOptions are parameters for acting on a stage.
type ActionOptions struct {
	RequestID string
	StageID   string
	Action    Action
	Comment   string
	Actor     auth.Actor
}

// SubmitAction applies one reviewer action to a stage. The comment row is
// written before the stage status changes; all writes commit or roll back as
// one unit. A stage already resolved by a concurrent call fails with
// StaleStageError.
func (e Engine) SubmitAction(ctx context.Context, opts ActionOptions) (domain.ApprovalRequest, error) {
	if !opts.Action.Valid() {
		return domain.ApprovalRequest{}, InvalidActionError{Action: string(opts.Action)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, NotFoundError{Kind: "request", ID: opts.RequestID}
		}
		return domain.ApprovalRequest{}, err
	}
	idx := -1
	for i := range req.Stages {
		if req.Stages[i].ID == opts.StageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.ApprovalRequest{}, NotFoundError{Kind: "stage", ID: opts.StageID}
	}
	stage := &req.Stages[idx]

	if req.Status.Terminal() {
		return domain.ApprovalRequest{}, InvalidTransitionError{Reason: "request already " + string(req.Status)}
	}
	if req.Status == domain.RequestPending {
		return domain.ApprovalRequest{}, InvalidTransitionError{Reason: "request awaiting resubmission"}
	}
	if !e.Authorize(opts.Actor, *stage) {
		return domain.ApprovalRequest{}, auth.UnauthorizedError{ActorID: opts.Actor.ID, Role: stage.Role}
	}
	switch stage.Status {
	case domain.StageInProgress:
		// awaiting action
	case domain.StagePending:
		return domain.ApprovalRequest{}, InvalidTransitionError{Reason: "stage not yet active"}
	default:
		return domain.ApprovalRequest{}, StaleStageError{StageID: stage.ID, Status: stage.Status}
	}

	now := e.now().UTC().Format(time.RFC3339)
	comment := domain.StageComment{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		StageID:   stage.ID,
		AuthorID:  opts.Actor.ID,
		Action:    string(opts.Action),
		Body:      opts.Comment,
		CreatedAt: now,
	}
	if err := e.Repo.InsertCommentTx(ctx, tx, comment); err != nil {
		return domain.ApprovalRequest{}, err
	}

	evtType := activity.TypeStageApproved
	completed := false
	last := idx == len(req.Stages)-1
	switch opts.Action {
	case ActionApprove:
		stage.Status = domain.StageApproved
		stage.CompletedBy = &opts.Actor.ID
		stage.CompletedAt = &now
		evtType = activity.TypeStageApproved
		if last {
			req.Status = domain.RequestApproved
			req.CompletedAt = &now
			req.CurrentStageID = nil
			completed = true
		} else {
			e.advance(&req, idx)
		}
	case ActionReject:
		stage.Status = domain.StageRejected
		stage.CompletedBy = &opts.Actor.ID
		stage.CompletedAt = &now
		req.Status = domain.RequestRejected
		req.CompletedAt = &now
		// pointer stays on the rejected stage for display
		evtType = activity.TypeStageRejected
	case ActionRequestChanges:
		stage.Status = domain.StageChangesRequested
		req.Status = domain.RequestPending
		// no stage is in progress until resubmission; pointer unchanged
		evtType = activity.TypeChangesRequested
	case ActionSkip:
		stage.Status = domain.StageSkipped
		stage.CompletedBy = &opts.Actor.ID
		stage.CompletedAt = &now
		evtType = activity.TypeStageSkipped
		if last {
			// skipping the final stage exhausts the chain
			req.Status = domain.RequestApproved
			req.CompletedAt = &now
			req.CurrentStageID = nil
			completed = true
		} else {
			e.advance(&req, idx)
		}
	}
	req.UpdatedAt = now

	if err := e.Repo.UpdateStageTx(ctx, tx, *stage); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if req.CurrentStageID != nil && *req.CurrentStageID != stage.ID {
		for i := range req.Stages {
			if req.Stages[i].ID == *req.CurrentStageID {
				if err := e.Repo.UpdateStageTx(ctx, tx, req.Stages[i]); err != nil {
					return domain.ApprovalRequest{}, err
				}
			}
		}
	}
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.Activity.Append(ctx, tx, req.ContentID, evtType, opts.Actor.ID, activity.Metadata{
		"request_id": req.ID,
		"stage":      stage.Name,
		"action":     string(opts.Action),
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if completed {
		if err := e.Activity.Append(ctx, tx, req.ContentID, activity.TypeApprovalCompleted, opts.Actor.ID, activity.Metadata{
			"request_id": req.ID,
		}); err != nil {
			return domain.ApprovalRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	req.Comments = append(req.Comments, comment)
	return req, nil
}

// advance moves the in-progress marker to the stage after idx.
func (e Engine) advance(req *domain.ApprovalRequest, idx int) {
	next := &req.Stages[idx+1]
	next.Status = domain.StageInProgress
	id := next.ID
	req.CurrentStageID = &id
}

// Resubmit reactivates the stage that received request_changes, or restarts
// from the first stage when none exists.
func (e Engine) Resubmit(ctx context.Context, requestID, comment string, actorID string) (domain.ApprovalRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, NotFoundError{Kind: "request", ID: requestID}
		}
		return domain.ApprovalRequest{}, err
	}
	if req.Status.Terminal() {
		return domain.ApprovalRequest{}, InvalidTransitionError{Reason: "request already " + string(req.Status)}
	}

	now := e.now().UTC().Format(time.RFC3339)
	target := -1
	for i := range req.Stages {
		if req.Stages[i].Status == domain.StageChangesRequested {
			target = i
			break
		}
	}
	if target < 0 {
		// no parked stage: restart the chain from the top
		for i := range req.Stages {
			req.Stages[i].Status = domain.StagePending
			req.Stages[i].CompletedBy = nil
			req.Stages[i].CompletedAt = nil
			if err := e.Repo.UpdateStageTx(ctx, tx, req.Stages[i]); err != nil {
				return domain.ApprovalRequest{}, err
			}
		}
		target = 0
	}
	stage := &req.Stages[target]
	stage.Status = domain.StageInProgress
	stage.CompletedBy = nil
	stage.CompletedAt = nil
	if err := e.Repo.UpdateStageTx(ctx, tx, *stage); err != nil {
		return domain.ApprovalRequest{}, err
	}
	id := stage.ID
	req.CurrentStageID = &id
	req.Status = domain.RequestInProgress
	req.UpdatedAt = now
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if comment != "" {
		c := domain.StageComment{
			ID:        uuid.New().String(),
			RequestID: req.ID,
			StageID:   stage.ID,
			AuthorID:  actorID,
			Action:    string(ActionSubmit),
			Body:      comment,
			CreatedAt: now,
		}
		if err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
			return domain.ApprovalRequest{}, err
		}
		req.Comments = append(req.Comments, c)
	}
	if err := e.Activity.Append(ctx, tx, req.ContentID, activity.TypeApprovalResubmit, actorID, activity.Metadata{
		"request_id": req.ID,
		"stage":      stage.Name,
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

// Cancel marks the request cancelled. Missing or already-settled requests are
// a no-op, so the call is safe to re-issue.
func (e Engine) Cancel(ctx context.Context, requestID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if req.Status.Terminal() {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	for i := range req.Stages {
		if req.Stages[i].Status == domain.StageInProgress {
			req.Stages[i].Status = domain.StagePending
			if err := e.Repo.UpdateStageTx(ctx, tx, req.Stages[i]); err != nil {
				return err
			}
		}
	}
	req.Status = domain.RequestCancelled
	req.CompletedAt = &now
	req.UpdatedAt = now
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return err
	}
	if err := e.Activity.Append(ctx, tx, req.ContentID, activity.TypeApprovalCancelled, actorID, activity.Metadata{
		"request_id": req.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
