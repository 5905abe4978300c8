package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"copydesk/internal/config"
	"copydesk/internal/domain"
	"copydesk/internal/repo"
)

// ResolveConfig loads copydesk.yml from the workspace, falling back to the
// built-in registry when no file exists.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// SeedTemplates upserts the registry templates into the database so the
// engine reads them through the repo. Ids are derived from the config, so
// reseeding the same registry is stable.
func SeedTemplates(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, tc := range cfg.Templates {
		t := domain.WorkflowTemplate{
			ID:          tc.ID,
			Name:        tc.Name,
			Description: tc.Description,
			IsDefault:   tc.Default,
			Categories:  tc.Categories,
			CreatedAt:   now,
		}
		for i, sc := range tc.Stages {
			order := tc.EffectiveOrder(i)
			st := domain.StageTemplate{
				ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", tc.ID, order))).String(),
				TemplateID:  tc.ID,
				Name:        sc.Name,
				Description: sc.Description,
				Role:        sc.Role,
				Order:       order,
				Required:    sc.Required,
			}
			if sc.Assignee != "" {
				assignee := sc.Assignee
				st.AssigneeID = &assignee
			}
			t.Stages = append(t.Stages, st)
		}
		if err := r.UpsertTemplateTx(ctx, tx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", tc.ID, err)
		}
	}
	return tx.Commit()
}
