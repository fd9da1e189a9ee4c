package models

import (
	"encoding/json"
	"errors"
	"strings"
)

// SchemaError lists every field of an untrusted profile payload that failed validation.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return "profile schema mismatch: " + strings.Join(e.Issues, "; ")
}

// wireProfile mirrors UserProfile with pointer fields so missing keys can be told
// apart from zero values.
type wireProfile struct {
	User *struct {
		ID            *string         `json:"id"`
		Avatar        json.RawMessage `json:"avatar"`
		Username      *string         `json:"username"`
		GlobalName    json.RawMessage `json:"global_name"`
		Discriminator *string         `json:"discriminator"`
		Locale        json.RawMessage `json:"locale"`
	} `json:"user"`
	Player *struct {
		PublicID *string   `json:"publicId"`
		Roles    *[]string `json:"roles"`
	} `json:"player"`
}

// ParseUserProfile decodes and validates an untrusted profile payload. A shape
// mismatch is returned as *SchemaError; a partially valid payload is never returned.
func ParseUserProfile(body []byte) (*UserProfile, error) {
	var w wireProfile
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &SchemaError{Issues: []string{"body: " + err.Error()}}
	}

	var issues []string
	if w.User == nil {
		issues = append(issues, "user: required")
	}
	if w.Player == nil {
		issues = append(issues, "player: required")
	}
	if len(issues) > 0 {
		return nil, &SchemaError{Issues: issues}
	}

	if w.User.ID == nil || *w.User.ID == "" {
		issues = append(issues, "user.id: required")
	}
	if w.User.Username == nil {
		issues = append(issues, "user.username: required")
	}
	if w.User.Discriminator == nil {
		issues = append(issues, "user.discriminator: required")
	}
	avatar, err := nullableString(w.User.Avatar)
	if err != nil {
		issues = append(issues, "user.avatar: "+err.Error())
	}
	globalName, err := nullableString(w.User.GlobalName)
	if err != nil {
		issues = append(issues, "user.global_name: "+err.Error())
	}
	locale, err := nullableString(w.User.Locale)
	if err != nil {
		issues = append(issues, "user.locale: "+err.Error())
	}
	if w.Player.PublicID == nil || *w.Player.PublicID == "" {
		issues = append(issues, "player.publicId: required")
	}
	if w.Player.Roles == nil {
		issues = append(issues, "player.roles: required")
	}
	if len(issues) == 0 && *w.User.ID != *w.Player.PublicID {
		issues = append(issues, "player.publicId: does not match user.id")
	}
	if len(issues) > 0 {
		return nil, &SchemaError{Issues: issues}
	}

	return &UserProfile{
		User: User{
			ID:            *w.User.ID,
			Avatar:        avatar,
			Username:      *w.User.Username,
			GlobalName:    globalName,
			Discriminator: *w.User.Discriminator,
			Locale:        locale,
		},
		Player: Player{
			PublicID: *w.Player.PublicID,
			Roles:    append([]string{}, (*w.Player.Roles)...),
		},
	}, nil
}

// nullableString accepts an absent key, null, or a JSON string.
func nullableString(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("expected string or null")
	}
	return &s, nil
}

// IsSchemaError reports whether err came from profile validation.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Validate checks the invariants of an already-typed profile, for example one
// read back from a cache.
func (p *UserProfile) Validate() error {
	if p == nil {
		return &SchemaError{Issues: []string{"profile: required"}}
	}
	var issues []string
	if p.User.ID == "" {
		issues = append(issues, "user.id: required")
	}
	if p.Player.PublicID != p.User.ID {
		issues = append(issues, "player.publicId: does not match user.id")
	}
	if p.Player.Roles == nil {
		issues = append(issues, "player.roles: required")
	}
	if len(issues) > 0 {
		return &SchemaError{Issues: issues}
	}
	return nil
}
