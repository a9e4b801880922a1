// Package policy resolves the effective timing policy (preparation window, late-join grace,
// ending buffer) for a session.
package policy

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
)

// typeTraits are the built-in defaults and capabilities of a session type.
type typeTraits struct {
	defaults         models.Policy
	hasPersonalGrace bool
}

var traits = map[models.SessionType]typeTraits{
	models.SessionTypeGroupCircle: {
		defaults: models.Policy{PreparationMinutes: 15, EndingBufferMinutes: 5},
	},
	models.SessionTypeIndividual: {
		defaults:         models.Policy{PreparationMinutes: 10, LateJoinGracePeriodMinutes: 15, EndingBufferMinutes: 5},
		hasPersonalGrace: true,
	},
	models.SessionTypeAcademicIndividual: {
		defaults:         models.Policy{PreparationMinutes: 10, LateJoinGracePeriodMinutes: 15, EndingBufferMinutes: 5},
		hasPersonalGrace: true,
	},
	models.SessionTypeInteractiveCourse: {
		defaults: models.Policy{PreparationMinutes: 10, EndingBufferMinutes: 5},
	},
}

// HasPersonalGrace reports whether sessions of type t track per-participant lateness
// and may end as absent when nobody joins within the grace period.
func HasPersonalGrace(t models.SessionType) bool {
	return traits[t].hasPersonalGrace
}

// Defaults returns the system defaults for t. Unknown types get the group circle defaults.
func Defaults(t models.SessionType) models.Policy {
	tr, ok := traits[t]
	if !ok {
		tr = traits[models.SessionTypeGroupCircle]
	}
	p := tr.defaults
	p.HasPersonalGrace = tr.hasPersonalGrace
	return p
}

// SettingsSource loads stored overrides for an owner entity or an academy.
// It returns (nil, nil) when nothing is configured.
type SettingsSource interface {
	Overrides(ctx context.Context, kind models.OwnerKind, id uuid.UUID) (*models.PolicyOverrides, error)
}

// Resolver computes a fresh Policy for every decision.
type Resolver struct {
	source SettingsSource
	logger *zap.Logger
}

// NewResolver creates a resolver. A nil source resolves to system defaults only.
func NewResolver(source SettingsSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns the effective policy for s. It never fails: lookup errors and missing
// entities fall back to the next level.
func (r *Resolver) Resolve(ctx context.Context, s *models.Session) models.Policy {
	p := Defaults(s.Type)
	if r.source == nil {
		return p
	}

	// Lowest priority first so the entity override wins.
	academy := r.load(ctx, s, models.OwnerAcademy, s.AcademyID)
	entity := r.load(ctx, s, s.Owner.Kind, s.Owner.ID)
	apply(&p, academy)
	apply(&p, entity)

	if !p.HasPersonalGrace {
		p.LateJoinGracePeriodMinutes = 0
	}
	return p
}

func (r *Resolver) load(ctx context.Context, s *models.Session, kind models.OwnerKind, id uuid.UUID) *models.PolicyOverrides {
	if kind == "" || id == uuid.Nil {
		return nil
	}
	o, err := r.source.Overrides(ctx, kind, id)
	if err != nil {
		r.logger.Warn("policy overrides unavailable, using fallback",
			zap.String("session_id", s.ID.String()),
			zap.String("owner_kind", string(kind)),
			zap.String("owner_id", id.String()),
			zap.Error(err),
		)
		return nil
	}
	return o
}

func apply(p *models.Policy, o *models.PolicyOverrides) {
	if o == nil {
		return
	}
	if v := o.PreparationMinutes; v != nil && *v >= 0 {
		p.PreparationMinutes = *v
	}
	if v := o.LateJoinGracePeriodMinutes; v != nil && *v >= 0 {
		p.LateJoinGracePeriodMinutes = *v
	}
	if v := o.EndingBufferMinutes; v != nil && *v >= 0 {
		p.EndingBufferMinutes = *v
	}
}
