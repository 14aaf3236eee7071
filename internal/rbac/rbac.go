// Package rbac resolves effective roles and access levels over the
// group > category > board containment hierarchy.
package rbac

type Scope string

const (
	ScopeGroup    Scope = "group"
	ScopeCategory Scope = "category"
	ScopeBoard    Scope = "board"
)

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	// RoleSuperuser is the global override role. It is never stored in a
	// grant row; it is assigned to designated identities at resolution time.
	RoleSuperuser Role = "superuser"
)

type AccessLevel string

const (
	AccessRead   AccessLevel = "read"
	AccessWrite  AccessLevel = "write"
	AccessManage AccessLevel = "manage"
	AccessAdmin  AccessLevel = "admin"
)

// Rank places every role on one total order. Higher rank never grants less
// access than lower rank.
func Rank(role Role) int {
	switch role {
	case RoleViewer:
		return 10
	case RoleEditor:
		return 20
	case RoleAdmin:
		return 30
	case RoleOwner:
		return 40
	case RoleSuperuser:
		return 100
	default:
		return 0
	}
}

// Outranks reports whether a grants strictly more than b.
func Outranks(a, b Role) bool {
	return Rank(a) > Rank(b)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Minimum rank required for each access level, per scope type. Levels on
// broader scopes are harder to reach: writing to a category or group means
// restructuring it, not editing a drawing.
var levelThresholds = map[Scope][4]struct {
	level AccessLevel
	rank  int
}{
	ScopeBoard: {
		{AccessRead, 10}, {AccessWrite, 20}, {AccessManage, 30}, {AccessAdmin, 40},
	},
	ScopeCategory: {
		{AccessRead, 10}, {AccessWrite, 30}, {AccessManage, 30}, {AccessAdmin, 40},
	},
	ScopeGroup: {
		{AccessRead, 10}, {AccessWrite, 30}, {AccessManage, 40}, {AccessAdmin, 40},
	},
}

// LevelFor returns the highest access level the role reaches on the given
// scope type, or false if the role grants nothing there.
func LevelFor(role Role, scope Scope) (AccessLevel, bool) {
	thresholds, ok := levelThresholds[scope]
	if !ok {
		return "", false
	}
	rank := Rank(role)
	var best AccessLevel
	found := false
	for _, t := range thresholds {
		if rank >= t.rank {
			best = t.level
			found = true
		}
	}
	return best, found
}

// Resource identifies one node of the containment hierarchy.
type Resource struct {
	Scope Scope
	ID    string
}

// Chain is a resource plus its ancestors, most specific first. A board's
// chain is [board, category, group]; a group's chain is just [group].
type Chain []Resource

// Grant is one stored permission row.
type Grant struct {
	UserID     string
	Scope      Scope
	ResourceID string
	Role       Role
}

func (g Grant) appliesTo(chain Chain) bool {
	for _, res := range chain {
		if g.Scope == res.Scope && g.ResourceID == res.ID {
			return true
		}
	}
	return false
}

// HighestRole returns the max-rank role the user holds on the chain's head
// resource, directly or via a containing scope. Superuser identities
// short-circuit to the override role regardless of grants.
func HighestRole(grants []Grant, chain Chain, superuser bool) (Role, bool) {
	if superuser {
		return RoleSuperuser, true
	}
	var best Role
	found := false
	for _, g := range grants {
		if !g.appliesTo(chain) {
			continue
		}
		if !found || Outranks(g.Role, best) {
			best = g.Role
			found = true
		}
	}
	return best, found
}

// Access resolves the user's effective access level on the chain's head
// resource, combining HighestRole with the per-scope thresholds.
func Access(grants []Grant, chain Chain, superuser bool) (AccessLevel, bool) {
	if len(chain) == 0 {
		return "", false
	}
	role, ok := HighestRole(grants, chain, superuser)
	if !ok {
		return "", false
	}
	return LevelFor(role, chain[0].Scope)
}
