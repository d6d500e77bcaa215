package users

import "fmt"

var roleRank = map[RoleType]int{
	RoleMember:     1,
	RoleAdmin:      2,
	RoleOwner:      3,
	RoleSuperAdmin: 4,
}

// ParseRole converts a raw role string into a RoleType, rejecting unknown values.
func ParseRole(raw string) (RoleType, error) {
	r := RoleType(raw)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return r, nil
}

func (r RoleType) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

func (r RoleType) String() string {
	return string(r)
}

// IsSuperAdmin returns true for the platform operator role
func (r RoleType) IsSuperAdmin() bool {
	return r == RoleSuperAdmin
}

// AtLeast reports whether r grants at least the privileges of min.
func (r RoleType) AtLeast(min RoleType) bool {
	return roleRank[r] >= roleRank[min] && roleRank[min] > 0
}

// CanManageMembers is true for admins, owners and super admins
func (r RoleType) CanManageMembers() bool {
	return r.AtLeast(RoleAdmin)
}

// CanTransferOwnership is reserved to the owner of the team (and super admins).
func (r RoleType) CanTransferOwnership() bool {
	return r.AtLeast(RoleOwner)
}
