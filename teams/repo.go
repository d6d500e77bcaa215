package teams

import "github.com/jrsteele09/go-team-auth/users"

type Repo interface {
	Upsert(team *Team) error
	Get(teamID string) (*Team, error)
	UpsertMember(member Member) error
	RemoveMember(teamID, userID string) error
	Members(teamID string) ([]Member, error)
	MembershipForUser(userID string) (*Member, error)
	SetRole(teamID, userID string, role users.RoleType) error
}
