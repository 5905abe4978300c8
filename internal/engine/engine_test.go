package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"copydesk/internal/activity"
	"copydesk/internal/app"
	"copydesk/internal/config"
	"copydesk/internal/db"
	"copydesk/internal/domain"
	"copydesk/internal/engine"
	"copydesk/internal/engine/auth"
	"copydesk/internal/migrate"
	"copydesk/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	reviewer = auth.Actor{ID: "rev-1", Roles: []string{"reviewer"}}
	manager  = auth.Actor{ID: "mgr-1", Roles: []string{"manager"}}
	approver = auth.Actor{ID: "boss-1", Roles: []string{"approver"}}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	ctx := context.Background()
	if err := app.SeedTemplates(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func openRequest(t *testing.T, env testEnv, contentID, templateID string) domain.ApprovalRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		ContentID:    contentID,
		ContentTitle: "Launch post",
		TemplateID:   templateID,
		ActorID:      "author-1",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func act(t *testing.T, env testEnv, req domain.ApprovalRequest, stageID string, action engine.Action, actor auth.Actor) domain.ApprovalRequest {
	t.Helper()
	out, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID,
		StageID:   stageID,
		Action:    action,
		Comment:   "looks fine",
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("%s stage %s: %v", action, stageID, err)
	}
	return out
}

func TestCreateRequestUsesDefaultTemplate(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	if req.TemplateID != "standard-approval" {
		t.Fatalf("template = %s, want standard-approval", req.TemplateID)
	}
	if req.Status != domain.RequestInProgress {
		t.Fatalf("status = %s, want in_progress", req.Status)
	}
	if len(req.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(req.Stages))
	}
	if req.Stages[0].Status != domain.StageInProgress || req.Stages[1].Status != domain.StagePending {
		t.Fatalf("stage statuses = %s/%s", req.Stages[0].Status, req.Stages[1].Status)
	}
	if req.CurrentStageID == nil || *req.CurrentStageID != req.Stages[0].ID {
		t.Fatalf("current stage pointer not on first stage")
	}
}

func TestCreateRequestRejectsSecondActive(t *testing.T) {
	env := newTestEnv(t)
	openRequest(t, env, "post-1", "")
	_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		ContentID: "post-1",
		ActorID:   "author-1",
	})
	var are engine.ActiveRequestError
	if !errors.As(err, &are) {
		t.Fatalf("err = %v, want ActiveRequestError", err)
	}
}

func TestApproveAdvancesThenCompletes(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionApprove, reviewer)
	if req.Status != domain.RequestInProgress {
		t.Fatalf("status after first approve = %s", req.Status)
	}
	if req.CurrentStageID == nil || *req.CurrentStageID != req.Stages[1].ID {
		t.Fatalf("pointer did not advance to second stage")
	}
	req = act(t, env, req, req.Stages[1].ID, engine.ActionApprove, manager)
	if req.Status != domain.RequestApproved {
		t.Fatalf("status = %s, want approved", req.Status)
	}
	if req.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if req.CurrentStageID != nil {
		t.Fatalf("pointer should clear on completion")
	}
	// approved request accepts no further actions
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[1].ID, Action: engine.ActionApprove, Actor: manager,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestRejectHaltsRequest(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionReject, reviewer)
	if req.Status != domain.RequestRejected {
		t.Fatalf("status = %s, want rejected", req.Status)
	}
	if req.Stages[1].Status != domain.StagePending {
		t.Fatalf("later stage should stay pending, got %s", req.Stages[1].Status)
	}
	// rejection is permanent; resubmit must not revive it
	_, err := env.Engine.Resubmit(env.Ctx, req.ID, "fixed", "author-1")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("resubmit err = %v, want InvalidTransitionError", err)
	}
}

func TestRejectAfterApproveOnSecondStage(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionApprove, reviewer)
	req = act(t, env, req, req.Stages[1].ID, engine.ActionReject, manager)
	if req.Status != domain.RequestRejected {
		t.Fatalf("status = %s, want rejected", req.Status)
	}
	if req.Stages[0].Status != domain.StageApproved || req.Stages[1].Status != domain.StageRejected {
		t.Fatalf("stages = %s/%s", req.Stages[0].Status, req.Stages[1].Status)
	}
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[1].ID, Action: engine.ActionApprove, Comment: "too late", Actor: manager,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestRequestChangesThenResubmit(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionRequestChanges, reviewer)
	if req.Status != domain.RequestPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.Stages[0].Status != domain.StageChangesRequested {
		t.Fatalf("stage = %s, want changes_requested", req.Stages[0].Status)
	}
	// paused request accepts no stage actions
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[0].ID, Action: engine.ActionApprove, Actor: reviewer,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	req, err = env.Engine.Resubmit(env.Ctx, req.ID, "reworked the intro", "author-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if req.Status != domain.RequestInProgress {
		t.Fatalf("status after resubmit = %s", req.Status)
	}
	if req.Stages[0].Status != domain.StageInProgress {
		t.Fatalf("same stage should reactivate, got %s", req.Stages[0].Status)
	}
	found := false
	for _, c := range req.Comments {
		if c.Action == string(engine.ActionSubmit) && c.Body == "reworked the intro" {
			found = true
		}
	}
	if !found {
		t.Fatalf("resubmission comment missing")
	}
}

func TestResubmitReactivatesParkedStage(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionApprove, reviewer)
	req = act(t, env, req, req.Stages[1].ID, engine.ActionRequestChanges, manager)
	if req.Status != domain.RequestPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	req, err := env.Engine.Resubmit(env.Ctx, req.ID, "tightened the summary", "author-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	// the parked second stage resumes; the approved first stage is untouched
	if req.Stages[0].Status != domain.StageApproved {
		t.Fatalf("first stage = %s, want approved", req.Stages[0].Status)
	}
	if req.Stages[1].Status != domain.StageInProgress {
		t.Fatalf("second stage = %s, want in_progress", req.Stages[1].Status)
	}
	if req.CurrentStageID == nil || *req.CurrentStageID != req.Stages[1].ID {
		t.Fatalf("current stage pointer not on second stage")
	}
	req = act(t, env, req, req.Stages[1].ID, engine.ActionApprove, manager)
	if req.Status != domain.RequestApproved {
		t.Fatalf("status = %s, want approved", req.Status)
	}
}

func TestSkipLastStageApproves(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "fast-track")
	if len(req.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(req.Stages))
	}
	req = act(t, env, req, req.Stages[0].ID, engine.ActionSkip, manager)
	if req.Status != domain.RequestApproved {
		t.Fatalf("status = %s, want approved", req.Status)
	}
	if req.Stages[0].Status != domain.StageSkipped {
		t.Fatalf("stage = %s, want skipped", req.Stages[0].Status)
	}
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	// manager role does not cover the reviewer stage
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[0].ID, Action: engine.ActionApprove, Comment: "ok", Actor: manager,
	})
	var ue auth.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnauthorizedError", err)
	}
	// the registry's final approver role may act on any stage
	req = act(t, env, req, req.Stages[0].ID, engine.ActionApprove, approver)
	if req.Stages[0].Status != domain.StageApproved {
		t.Fatalf("final approver was refused")
	}
}

func TestActingOnInactiveStages(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	// later stage is not yet active
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[1].ID, Action: engine.ActionApprove, Comment: "ok", Actor: manager,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("pending stage err = %v, want InvalidTransitionError", err)
	}
	req = act(t, env, req, req.Stages[0].ID, engine.ActionApprove, reviewer)
	// the resolved stage loses the race on a second action
	_, err = env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[0].ID, Action: engine.ActionReject, Comment: "no", Actor: reviewer,
	})
	var sse engine.StaleStageError
	if !errors.As(err, &sse) {
		t.Fatalf("resolved stage err = %v, want StaleStageError", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	if err := env.Engine.Cancel(env.Ctx, req.ID, "author-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RequestCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	for _, s := range got.Stages {
		if s.Status == domain.StageInProgress {
			t.Fatalf("cancelled request still has an in-progress stage")
		}
	}
	// repeated and unknown cancels are no-ops
	if err := env.Engine.Cancel(env.Ctx, req.ID, "author-1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := env.Engine.Cancel(env.Ctx, "missing", "author-1"); err != nil {
		t.Fatalf("missing cancel: %v", err)
	}
	// a new request may open for the same content afterwards
	openRequest(t, env, "post-1", "")
}

func TestUnknownActionAndIDs(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: req.Stages[0].ID, Action: engine.Action("publish"), Actor: reviewer,
	})
	var iae engine.InvalidActionError
	if !errors.As(err, &iae) {
		t.Fatalf("err = %v, want InvalidActionError", err)
	}
	_, err = env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: "missing", StageID: "s", Action: engine.ActionApprove, Actor: reviewer,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing request err = %v, want not found", err)
	}
	_, err = env.Engine.SubmitAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, StageID: "missing", Action: engine.ActionApprove, Actor: reviewer,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing stage err = %v, want not found", err)
	}
}

func TestActivityTrailForWorkflow(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionApprove, reviewer)
	act(t, env, req, req.Stages[1].ID, engine.ActionApprove, manager)

	events, err := env.Engine.Activity.List(env.Ctx, "post-1")
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	// newest first: completed, approved(manager), approved(reviewer), requested
	want := []activity.EventType{
		activity.TypeApprovalCompleted,
		activity.TypeStageApproved,
		activity.TypeStageApproved,
		activity.TypeApprovalRequested,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, evt := range events {
		if activity.EventType(evt.Type) != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, evt.Type, want[i])
		}
	}
}

func TestCommentsRecordedInOrder(t *testing.T) {
	env := newTestEnv(t)
	req := openRequest(t, env, "post-1", "")
	req = act(t, env, req, req.Stages[0].ID, engine.ActionRequestChanges, reviewer)
	req, err := env.Engine.Resubmit(env.Ctx, req.ID, "round two", "author-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	act(t, env, req, req.Stages[0].ID, engine.ActionApprove, reviewer)

	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Comments) != 3 {
		t.Fatalf("comments = %d, want 3", len(got.Comments))
	}
	actions := []string{got.Comments[0].Action, got.Comments[1].Action, got.Comments[2].Action}
	if actions[0] != "request_changes" || actions[1] != "submit" || actions[2] != "approve" {
		t.Fatalf("comment order = %v", actions)
	}
}
