package domain

import "errors"

// Identity is the resolved caller: an authenticated user or an invite-token
// holder, never both. Ownership is a privilege check layered on top (compare
// UserID against the form's owner), not a separate identity kind.
type Identity struct {
	UserID   string
	InviteID string
}

// Key renders the identity as the stable string used for the per-form
// conversation binding and participant checks.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user#" + i.UserID
	}
	return "invite#" + i.InviteID
}

// IsUser reports whether the identity is an authenticated user.
func (i Identity) IsUser() bool {
	return i.UserID != ""
}

// Validate checks the exactly-one-populated invariant.
func (i Identity) Validate() error {
	if (i.UserID == "") == (i.InviteID == "") {
		return errors.New("domain: identity must carry exactly one of user id or invite id")
	}
	return nil
}
