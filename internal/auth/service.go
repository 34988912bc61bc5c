package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/ids"
)

// Service implements registration, login and role administration.
type Service struct {
	store  Store
	tokens *TokenIssuer
	rec    *audit.Recorder
	now    func() time.Time
}

// NewService wires the identity service.
func NewService(store Store, tokens *TokenIssuer, rec *audit.Recorder) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	return &Service{store: store, tokens: tokens, rec: rec, now: time.Now}, nil
}

// Register creates a user. Anyone may self-register as a viewer; only an
// admin principal may assign another role at creation time.
func (s *Service) Register(ctx context.Context, username, password string, role Role, groupID string) (User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	actor := ""
	if p, ok := PrincipalFromContext(ctx); ok {
		actor = p.UserID
	}

	u, err := s.register(ctx, username, password, role, groupID)
	if err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: actor, Action: "user.register",
			TargetType: "user", TargetID: username,
			Outcome: outcomeFor(err), Reason: reasonFor(err),
		})
		return User{}, err
	}
	s.rec.Record(ctx, audit.Entry{
		ActorID: actor, Action: "user.register",
		TargetType: "user", TargetID: u.ID,
	})
	return u, nil
}

func (s *Service) register(ctx context.Context, username, password string, role Role, groupID string) (User, error) {
	if username == "" || len(username) > 64 {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if len(password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if role == "" {
		role = RoleViewer
	}
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, err
	}
	if role != RoleViewer {
		if _, err := RequireRole(ctx, RoleAdmin); err != nil {
			return User{}, err
		}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	u := User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		GroupID:      strings.TrimSpace(groupID),
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Login verifies credentials and issues a bearer token. Disabled users and
// bad credentials are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (string, time.Time, User, error) {
	username = strings.TrimSpace(strings.ToLower(username))

	u, err := s.store.FindUserByUsername(ctx, username)
	if err == nil && u.Status != UserStatusActive {
		err = ErrUnauthenticated
	}
	if err == nil {
		if VerifyPassword(u.PasswordHash, password) != nil {
			err = ErrUnauthenticated
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = ErrUnauthenticated
		}
		s.rec.Record(ctx, audit.Entry{
			Action: "auth.login", TargetType: "user", TargetID: username,
			Outcome: outcomeFor(err), Reason: reasonFor(err),
		})
		return "", time.Time{}, User{}, err
	}

	token, exp, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: u.ID, Action: "auth.login", TargetType: "user", TargetID: u.ID,
			Outcome: audit.OutcomeError, Reason: "token_issue_failed",
		})
		return "", time.Time{}, User{}, err
	}
	s.rec.Record(ctx, audit.Entry{
		ActorID: u.ID, Action: "auth.login", TargetType: "user", TargetID: u.ID,
	})
	return token, exp, *u, nil
}

// SetRole changes a user's role. Admin only.
func (s *Service) SetRole(ctx context.Context, userID string, role Role) (User, error) {
	p, err := RequireRole(ctx, RoleAdmin)
	if err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: actorID(ctx), Action: "user.role.set",
			TargetType: "user", TargetID: userID,
			Outcome: audit.OutcomeDeny, Reason: reasonFor(err),
		})
		return User{}, err
	}
	if _, err := ParseRole(string(role)); err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: p.UserID, Action: "user.role.set",
			TargetType: "user", TargetID: userID,
			Outcome: audit.OutcomeError, Reason: reasonFor(err),
		})
		return User{}, err
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: p.UserID, Action: "user.role.set",
			TargetType: "user", TargetID: userID,
			Outcome: outcomeFor(err), Reason: reasonFor(err),
		})
		return User{}, err
	}
	s.rec.Record(ctx, audit.Entry{
		ActorID: p.UserID, Action: "user.role.set",
		TargetType: "user", TargetID: userID, Reason: string(role),
	})
	u, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// Deactivate soft-disables a user. Admin only. The record stays so audit
// entries keep a valid actor reference.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	p, err := RequireRole(ctx, RoleAdmin)
	if err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: actorID(ctx), Action: "user.deactivate",
			TargetType: "user", TargetID: userID,
			Outcome: audit.OutcomeDeny, Reason: reasonFor(err),
		})
		return err
	}
	if err := s.store.UpdateUserStatus(ctx, userID, UserStatusDisabled); err != nil {
		s.rec.Record(ctx, audit.Entry{
			ActorID: p.UserID, Action: "user.deactivate",
			TargetType: "user", TargetID: userID,
			Outcome: outcomeFor(err), Reason: reasonFor(err),
		})
		return err
	}
	s.rec.Record(ctx, audit.Entry{
		ActorID: p.UserID, Action: "user.deactivate",
		TargetType: "user", TargetID: userID,
	})
	return nil
}

// Authenticate resolves a bearer token into a principal, rejecting disabled
// users even when their token is still within its lifetime.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	p, err := s.tokens.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	u, err := s.store.FindUser(ctx, p.UserID)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if u.Status != UserStatusActive {
		return Principal{}, ErrInvalidToken
	}
	// The stored role wins over the token claim: role changes take effect
	// without waiting for token expiry.
	return Principal{UserID: u.ID, Role: u.Role}, nil
}

// Me returns the caller's own user record.
func (s *Service) Me(ctx context.Context) (User, error) {
	p, err := RequireAuthenticated(ctx)
	if err != nil {
		return User{}, err
	}
	u, err := s.store.FindUser(ctx, p.UserID)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

func actorID(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.UserID
	}
	return ""
}

func outcomeFor(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrForbidden):
		return audit.OutcomeDeny
	default:
		return audit.OutcomeError
	}
}

func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
