// Package profile resolves the authoritative role and face-status record for
// an authenticated identity.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/campusgate/attendance-portal/internal/identity"
)

const tracerName = "github.com/campusgate/attendance-portal/internal/profile"

// ErrProfileNotFound means the identity has no backing profile. Callers must
// treat it as unauthorized and end the session.
var ErrProfileNotFound = identity.ErrProfileNotFound

// TransientFetchError wraps a fetch failure that survived the retry. The
// session stays intact.
type TransientFetchError struct {
	IdentityID string
	Err        error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("profile fetch for %s failed: %v", e.IdentityID, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Fetcher is the profile store the resolver reads from.
type Fetcher interface {
	GetProfile(ctx context.Context, identityID string) (identity.Profile, error)
}

// Resolver fetches profiles with a single retry on transient failures.
// Concurrent calls for the same identity share one round-trip.
type Resolver struct {
	fetcher    Fetcher
	retryDelay time.Duration
	logger     *zap.Logger
	group      singleflight.Group
}

// NewResolver builds a Resolver. retryDelay is the pause before the retry.
func NewResolver(fetcher Fetcher, retryDelay time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		fetcher:    fetcher,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// ResolveProfile returns the profile for identityID. It returns
// ErrProfileNotFound or a *TransientFetchError on failure.
func (r *Resolver) ResolveProfile(ctx context.Context, identityID string) (identity.Profile, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "profile.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("identity.id", identityID))

	v, err, shared := r.group.Do(identityID, func() (any, error) {
		return r.fetchWithRetry(ctx, identityID)
	})
	span.SetAttributes(attribute.Bool("profile.shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return identity.Profile{}, err
	}
	return v.(identity.Profile), nil
}

func (r *Resolver) fetchWithRetry(ctx context.Context, identityID string) (identity.Profile, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying profile fetch",
				zap.String("identity_id", identityID),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return identity.Profile{}, &TransientFetchError{IdentityID: identityID, Err: ctx.Err()}
			case <-time.After(r.retryDelay):
			}
		}

		p, err := r.fetcher.GetProfile(ctx, identityID)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, identity.ErrProfileNotFound) {
			return identity.Profile{}, ErrProfileNotFound
		}
		lastErr = err
	}
	return identity.Profile{}, &TransientFetchError{IdentityID: identityID, Err: lastErr}
}
