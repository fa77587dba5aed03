package auth

import (
	"context"

	"github.com/campusgate/attendance-portal/internal/utils"
)

// FindSessionByToken is the lookup used by the session middleware.
func (s *Service) FindSessionByToken(token string) (utils.SessionData, error) {
	creds, err := s.GetSession(context.Background(), token)
	if err != nil {
		return utils.SessionData{}, err
	}
	return utils.SessionData{
		UserID:    creds.IdentityID,
		SessionID: creds.SessionID,
		ExpiresAt: creds.ExpiresAt,
	}, nil
}
