// Package viewstore keeps the form state of mounted sign-in pages. A view lives
// until its TTL runs out; there is no explicit unmount over HTTP.
package viewstore

import (
	"context"
	"time"
)

// FormState is owned by exactly one mounted view.
type FormState struct {
	Email      string `json:"email"`
	IsLoading  bool   `json:"is_loading"`
	IsDisabled bool   `json:"is_disabled"`

	// LoadingSince is the unix time in milliseconds IsLoading was set. Zero when idle.
	LoadingSince int64 `json:"loading_since,omitempty"`
}

type Store interface {
	// Load returns errs.ErrViewNotFound for unknown or expired ids.
	Load(ctx context.Context, id string) (FormState, error)
	Save(ctx context.Context, id string, state FormState, ttl time.Duration) error
	Ping(ctx context.Context) error
}
