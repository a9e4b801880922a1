package zego

import (
	"context"

	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
)

const roomPrefix = "session-"

// RoomName is the provider room a session's participants meet in.
func RoomName(s *models.Session) string { return roomPrefix + s.ID.String() }

// Provisioner assigns meeting rooms when a session opens for joining. ZEGOCLOUD rooms
// come into existence on first login, so provisioning only fixes the name.
type Provisioner struct {
	creds  Credentials
	logger *zap.Logger
}

// NewProvisioner creates a room provisioner.
func NewProvisioner(creds Credentials, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{creds: creds, logger: logger}
}

// ProvisionRoom returns the room name for s. The name is stable so a retried
// provisioning after a crash lands on the same room.
func (p *Provisioner) ProvisionRoom(ctx context.Context, s *models.Session) (string, error) {
	if !p.creds.Valid() {
		return "", ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := RoomName(s)
	p.logger.Debug("meeting room provisioned", zap.String("session_id", s.ID.String()), zap.String("room", name))
	return name, nil
}
