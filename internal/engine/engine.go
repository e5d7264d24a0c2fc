package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/phase"
	"phaseline/internal/repo"
)

// ErrInvalidInput marks a request the caller must fix before retrying.
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Auth:     auth.Service{Repo: r},
		Notifier: notify.Discard{},
		Config:   cfg,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// retry reruns fn while it fails with repo.ErrConflict.
func (e Engine) retry(ctx context.Context, op string, fn func() error) error {
	attempts := e.Config.ConflictRetries() + 1
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, repo.ErrConflict) {
			return err
		}
		if i < attempts-1 {
			e.Metrics.ConflictRetry()
			e.logger().WarnContext(ctx, "version conflict, retrying", "op", op, "attempt", i+1)
		}
	}
	return fmt.Errorf("%s: %w after %d attempts", op, err, attempts)
}

// InitProject creates the project, its phases and roles from config, and
// makes actorID its owner.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, invalidf("project id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.Project{}, invalidf("actor id is required")
	}
	phases := e.Config.DomainPhases()
	if _, err := phase.NewRegistry(phases, nil); err != nil {
		return domain.Project{}, fmt.Errorf("phases: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	p := domain.Project{
		ID:          projectID,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for _, ph := range phases {
		if err := e.Repo.InsertPhase(ctx, tx, p.ID, ph); err != nil {
			return domain.Project{}, fmt.Errorf("insert phase %s: %w", ph.ID, err)
		}
	}
	for _, roleID := range e.Config.RoleIDs() {
		role := e.Config.RBAC.Roles[roleID]
		if err := e.Repo.InsertRole(ctx, tx, p.ID, roleID, role.Description); err != nil {
			return domain.Project{}, fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.AddRolePermission(ctx, tx, p.ID, roleID, perm); err != nil {
				return domain.Project{}, err
			}
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Project{}, err
	}
	if _, ok := e.Config.RBAC.Roles["owner"]; ok {
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner", now); err != nil {
			return domain.Project{}, fmt.Errorf("assign owner: %w", err)
		}
	}
	phaseIDs := make([]string, 0, len(phases))
	for _, ph := range phases {
		phaseIDs = append(phaseIDs, ph.ID)
	}
	if err := e.appendEvent(ctx, tx, events.ProjectInit, p.ID, "project", p.ID, actorID, events.EventPayload{
		"status": p.Status,
		"phases": phaseIDs,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.logger().InfoContext(ctx, "project initialized", "project_id", p.ID, "phases", len(phases))
	return p, nil
}

// GrantRole assigns a configured role. The granting actor needs project.admin.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, roleID, grantedBy string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(roleID) == "" {
		return invalidf("actor and role are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, projectID, grantedBy, auth.PermProjectAdmin); err != nil {
		return err
	}
	now := e.timestamp()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID, now); err != nil {
		return fmt.Errorf("assign role %s: %w", roleID, err)
	}
	if err := e.appendEvent(ctx, tx, "rbac.role.granted", projectID, "actor", actorID, grantedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey stores a new key for actorID and returns the raw secret once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", invalidf("actor id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "pl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		Prefix:    raw[:10],
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.appendEvent(ctx, tx, "api_key.created", "", "actor", actorID, actorID, events.EventPayload{"key_id": key.ID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// RevokeAPIKey disables one of actorID's own keys.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKeyTx(ctx, tx, keyID)
	if err != nil {
		return err
	}
	if key.ActorID != actorID {
		return invalidf("api key %s belongs to another actor", keyID)
	}
	if err := e.Repo.RevokeAPIKey(ctx, tx, keyID, e.timestamp()); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, "api_key.revoked", "", "actor", actorID, actorID, events.EventPayload{"key_id": keyID}); err != nil {
		return err
	}
	return tx.Commit()
}

// dispatch hands committed notifications to the sink. Failures are logged.
func (e Engine) dispatch(ctx context.Context, notes []domain.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		err := e.Notifier.Notify(ctx, n)
		e.Metrics.Notification(err)
		if err != nil {
			e.logger().WarnContext(ctx, "notification delivery failed", "work_item_id", n.WorkItemID, "phase_id", n.PhaseID, "error", err)
		}
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
