package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"phaseline/internal/lifecycle"
	"phaseline/internal/repo"
)

const (
	PermWorkItemWrite   = "work_item.write"
	PermProgressWrite   = "progress.write"
	PermPhaseTransition = "phase.transition"
	PermPhaseAdvance    = "phase.advance"
	PermPhaseRevert     = "phase.revert"
	PermPhaseSkip       = "phase.skip"
	PermProjectAdmin    = "project.admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC checks backed by the repository.
type Service struct {
	Repo repo.Repo
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) (bool, error) {
	perms, err := s.permissions(ctx, tx, projectID, actorID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, perm), nil
}

// Require returns ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	ok, err := s.ActorHasPermission(ctx, tx, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// Permissions evaluates the lifecycle flags for an actor. tx may be nil.
func (s Service) Permissions(ctx context.Context, tx *sql.Tx, projectID, actorID string) (lifecycle.Permissions, error) {
	perms, err := s.permissions(ctx, tx, projectID, actorID)
	if err != nil {
		return lifecycle.Permissions{}, err
	}
	return lifecycle.Permissions{
		CanAdvance: slices.Contains(perms, PermPhaseAdvance),
		CanRevert:  slices.Contains(perms, PermPhaseRevert),
		CanSkip:    slices.Contains(perms, PermPhaseSkip),
	}, nil
}

func (s Service) permissions(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	if tx != nil {
		return s.Repo.ActorPermissionsTx(ctx, tx, projectID, actorID)
	}
	return s.Repo.ActorPermissions(ctx, projectID, actorID)
}
