package teamrepofakes

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
)

var _ teams.Repo = (*FakeTeamRepo)(nil)

var ErrNotFound = errors.New("not found")

type FakeTeamRepo struct {
	teams   map[string]*teams.Team
	members map[string]teams.Member // userID -> membership (one team per user)
	lock    sync.RWMutex
}

func NewFakeTeamRepo() *FakeTeamRepo {
	return &FakeTeamRepo{
		teams:   make(map[string]*teams.Team),
		members: make(map[string]teams.Member),
	}
}

func (tr *FakeTeamRepo) Upsert(team *teams.Team) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	if team.ID == "" {
		team.ID = uuid.New().String()
	}
	tr.teams[team.ID] = team.Clone()
	return nil
}

func (tr *FakeTeamRepo) Get(teamID string) (*teams.Team, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	team, ok := tr.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	return team.Clone(), nil
}

func (tr *FakeTeamRepo) UpsertMember(member teams.Member) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	if _, ok := tr.teams[member.TeamID]; !ok {
		return ErrNotFound
	}
	tr.members[member.UserID] = member
	return nil
}

func (tr *FakeTeamRepo) RemoveMember(teamID, userID string) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	m, ok := tr.members[userID]
	if !ok || m.TeamID != teamID {
		return ErrNotFound
	}
	delete(tr.members, userID)
	return nil
}

// Members lists a team's memberships ordered by join time, then user id.
func (tr *FakeTeamRepo) Members(teamID string) ([]teams.Member, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	if _, ok := tr.teams[teamID]; !ok {
		return nil, ErrNotFound
	}

	members := make([]teams.Member, 0)
	for _, m := range tr.members {
		if m.TeamID == teamID {
			members = append(members, m)
		}
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (tr *FakeTeamRepo) MembershipForUser(userID string) (*teams.Member, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	m, ok := tr.members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (tr *FakeTeamRepo) SetRole(teamID, userID string, role users.RoleType) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	m, ok := tr.members[userID]
	if !ok || m.TeamID != teamID {
		return ErrNotFound
	}
	m.Role = role
	tr.members[userID] = m
	return nil
}
