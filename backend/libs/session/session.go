package session

import (
	"errors"
	"time"
)

// Role restricts what a session may do. Dashboard operators log in as admin;
// riders as customer.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session: not found")

// Session is the server-held proof of a successful login. At most one live
// session exists per account at any instant; saving a new one atomically
// evicts the previous.
type Session struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Role          Role      `json:"role"`
	CreatedAt     time.Time `json:"created_at"`
	ValidPeriodMS int64     `json:"valid_period_ms"`
}

// ValidFor returns the session lifetime as a duration.
func (s *Session) ValidFor() time.Duration {
	return time.Duration(s.ValidPeriodMS) * time.Millisecond
}

// ExpiresAt returns the instant the session stops being live. Lifetime is
// fixed at creation; there is no renewal.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.ValidFor())
}

// Expired reports whether the session is past its lifetime. The store's TTL
// is the primary expiry mechanism; this check is defense-in-depth on read,
// derived from the same created-at and valid-period values.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}
