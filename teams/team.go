package teams

import (
	"time"

	"github.com/jrsteele09/go-team-auth/users"
)

// Team represents a customer organization. Every user belongs to exactly one team.
type Team struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BillingEmail string    `json:"billing_email,omitempty"`
	AddressLine1 string    `json:"address_line1,omitempty"`
	AddressLine2 string    `json:"address_line2,omitempty"`
	City         string    `json:"city,omitempty"`
	PostalCode   string    `json:"postal_code,omitempty"`
	Country      string    `json:"country,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Member is a user's membership of a team, joined with the display fields of their profile.
type Member struct {
	TeamID   string         `json:"team_id"`
	UserID   string         `json:"user_id"`
	Role     users.RoleType `json:"role"`
	Email    string         `json:"email,omitempty"`
	FullName string         `json:"full_name,omitempty"`
	JoinedAt time.Time      `json:"joined_at,omitempty"`
}

// Ref is the minimal reference to a team carried in snapshots.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (t *Team) Ref() Ref {
	if t == nil {
		return Ref{}
	}
	return Ref{ID: t.ID, Name: t.Name}
}

// CloneMembers copies a member list, preserving order.
func CloneMembers(members []Member) []Member {
	if members == nil {
		return nil
	}
	c := make([]Member, len(members))
	copy(c, members)
	return c
}
