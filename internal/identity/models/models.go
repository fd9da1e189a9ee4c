package models

import (
	"fmt"
	"time"
)

// Mode selects where player identity is authoritative. It is chosen once at startup.
type Mode string

const (
	// ModeSelfHosted resolves identities against the local players table.
	ModeSelfHosted Mode = "self_hosted"
	// ModeFederated delegates identity to an external identity provider.
	ModeFederated Mode = "federated"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSelfHosted, ModeFederated:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown deployment mode %q", s)
}

func (m Mode) String() string { return string(m) }

// PlaceholderDiscriminator is reported for players whose store does not track discriminators.
const PlaceholderDiscriminator = "0"

// UserProfile is the normalized identity handed to session admission.
// User.ID and Player.PublicID always name the same persistent identity.
type UserProfile struct {
	User   User   `json:"user"`
	Player Player `json:"player"`
}

// User carries account metadata. Nullable fields are pointers so they serialize as null.
type User struct {
	ID            string  `json:"id"`
	Avatar        *string `json:"avatar"`
	Username      string  `json:"username"`
	GlobalName    *string `json:"global_name"`
	Discriminator string  `json:"discriminator"`
	Locale        *string `json:"locale,omitempty"`
}

// Player is the game-facing part of a profile. Roles are passed through unchanged
// for downstream policy.
type Player struct {
	PublicID string   `json:"publicId"`
	Roles    []string `json:"roles"`
}

// PersistentID returns the identity the profile was resolved for.
func (p *UserProfile) PersistentID() string {
	return p.User.ID
}

// Clone returns a deep copy so cached profiles never alias caller-owned slices.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.User.Avatar = cloneString(p.User.Avatar)
	out.User.GlobalName = cloneString(p.User.GlobalName)
	out.User.Locale = cloneString(p.User.Locale)
	out.Player.Roles = append([]string{}, p.Player.Roles...)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// PlayerRecord is a row of the self-hosted players table.
type PlayerRecord struct {
	PersistentID string
	Username     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ToProfile builds the profile for a locally stored player. Fields the local
// store does not track are left unset, and the role list is empty.
func (r *PlayerRecord) ToProfile() *UserProfile {
	return &UserProfile{
		User: User{
			ID:            r.PersistentID,
			Username:      r.Username,
			Discriminator: PlaceholderDiscriminator,
		},
		Player: Player{
			PublicID: r.PersistentID,
			Roles:    []string{},
		},
	}
}
