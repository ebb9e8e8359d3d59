// Package attempt keeps a log of sign-in triggers. The log backs the magic-link
// rate limit and gives operators a trail of what the page asked the auth service.
package attempt

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/squirrel"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
)

const table = "signin_attempts"

type Method string

const (
	MethodOAuth     Method = "oauth"
	MethodMagicLink Method = "magic_link"
)

type Outcome string

const (
	OutcomeRedirected  Outcome = "redirected"
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeRejected    Outcome = "rejected"
	OutcomeRateLimited Outcome = "rate_limited"
)

type Attempt struct {
	ID        uuid.UUID
	ViewID    string
	Method    Method
	Provider  string
	Email     string
	Outcome   Outcome
	ClientIP  string
	CreatedAt time.Time
}

type Recorder interface {
	Record(ctx context.Context, a Attempt) error
	// CountMagicLinks counts links successfully sent to email since the given time.
	CountMagicLinks(ctx context.Context, email string, since time.Time) (int, error)
}

type Repository struct {
	dbc dbresolver.DB
	now func() time.Time
}

func NewRepository(dbc dbresolver.DB) *Repository {
	return &Repository{dbc: dbc, now: time.Now}
}

func (r *Repository) Record(ctx context.Context, a Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	if _, err := insertQuery(a).RunWith(r.dbc).ExecContext(ctx); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (r *Repository) CountMagicLinks(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	if err := countQuery(email, since).RunWith(r.dbc).QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("count magic links: %w", err)
	}
	return n, nil
}

func insertQuery(a Attempt) squirrel.InsertBuilder {
	return squirrel.Insert(table).
		SetMap(map[string]any{
			"id":         a.ID.String(),
			"view_id":    clip(a.ViewID, 64),
			"method":     string(a.Method),
			"provider":   nullStr(clip(a.Provider, 32)),
			"email":      nullStr(clip(NormalizeEmail(a.Email), 320)),
			"outcome":    string(a.Outcome),
			"client_ip":  nullStr(a.ClientIP),
			"created_at": a.CreatedAt,
		})
}

func countQuery(email string, since time.Time) squirrel.SelectBuilder {
	return squirrel.Select("COUNT(*)").
		From(table).
		Where(squirrel.Eq{
			"email":   NormalizeEmail(email),
			"method":  string(MethodMagicLink),
			"outcome": string(OutcomeSent),
		}).
		Where(squirrel.GtOrEq{"created_at": since.UTC()})
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// clip bounds user-supplied values to their column width in bytes without
// splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Nop is used when no database is configured: nothing is stored and no limit applies.
type Nop struct{}

func (Nop) Record(context.Context, Attempt) error { return nil }

func (Nop) CountMagicLinks(context.Context, string, time.Time) (int, error) { return 0, nil }
