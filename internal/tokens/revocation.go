package tokens

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// Token type hints accepted at the revocation and introspection endpoints.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Revoker revokes refresh tokens and reference access tokens.
type Revoker struct {
	refresh    *grants.RefreshTokenStore
	references *grants.ReferenceTokenStore
	publisher  events.Publisher
}

// NewRevoker builds a revoker. references may be nil.
func NewRevoker(refresh *grants.RefreshTokenStore, references *grants.ReferenceTokenStore, publisher events.Publisher) *Revoker {
	return &Revoker{refresh: refresh, references: references, publisher: publisher}
}

// Revoke removes token when it belongs to client. Unknown tokens and tokens
// of other clients are ignored, per RFC 7009. JWT access tokens cannot be
// revoked and are ignored too. Revoking a refresh token also removes the
// reference tokens of the same subject, client and session.
func (r *Revoker) Revoke(ctx context.Context, client *oauth.Client, token, hint string) error {
	switch hint {
	case "", HintAccessToken, HintRefreshToken:
	default:
		return oauth.NewError(oauth.ErrorUnsupportedTokenType, "")
	}
	if token == "" {
		return oauth.InvalidRequest("token is required")
	}

	attempts := []func(context.Context, *oauth.Client, string) (bool, error){r.revokeRefresh, r.revokeReference}
	if hint == HintAccessToken {
		attempts[0], attempts[1] = attempts[1], attempts[0]
	}
	for _, attempt := range attempts {
		done, err := attempt(ctx, client, token)
		if err != nil || done {
			return err
		}
	}
	return nil
}

func (r *Revoker) revokeRefresh(ctx context.Context, client *oauth.Client, handle string) (bool, error) {
	token, _, err := r.refresh.GetRefreshToken(ctx, handle)
	if errors.Is(err, oauth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load refresh token")
	}
	if token.ClientID != client.ClientID {
		r.mismatch(client.ClientID)
		return true, nil
	}
	if err := r.refresh.RemoveRefreshToken(ctx, handle); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		return false, errors.Wrap(err, "remove refresh token")
	}
	if r.references != nil {
		if err := r.references.RemoveReferenceTokens(ctx, token.Subject.ID, token.ClientID, token.SessionID); err != nil {
			return false, errors.Wrap(err, "remove reference tokens")
		}
	}
	r.emit(ctx, client.ClientID, token.Subject.ID, HintRefreshToken)
	return true, nil
}

func (r *Revoker) revokeReference(ctx context.Context, client *oauth.Client, handle string) (bool, error) {
	if r.references == nil {
		return false, nil
	}
	token, err := r.references.GetReferenceToken(ctx, handle)
	if errors.Is(err, oauth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load reference token")
	}
	if token.ClientID != client.ClientID {
		r.mismatch(client.ClientID)
		return true, nil
	}
	if err := r.references.RemoveReferenceToken(ctx, handle); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		return false, errors.Wrap(err, "remove reference token")
	}
	r.emit(ctx, client.ClientID, token.SubjectID, HintAccessToken)
	return true, nil
}

func (r *Revoker) mismatch(clientID string) {
	logrus.WithFields(logrus.Fields{
		"package":   "tokens",
		"method":    "Revoke",
		"client_id": clientID,
	}).Info("revocation requested for a token of another client")
}

func (r *Revoker) emit(ctx context.Context, clientID, subjectID, kind string) {
	events.Emit(ctx, r.publisher, events.Event{
		Type:      events.TokenRevoked,
		ClientID:  clientID,
		SubjectID: subjectID,
		Data:      map[string]any{"token_type": kind},
	})
}
