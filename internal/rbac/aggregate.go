package rbac

// EffectiveGrant is one row of a "who can access this resource" view:
// the winning grant per user, with provenance.
type EffectiveGrant struct {
	UserID   string
	Resource Resource
	// Role is the effective (max-rank) role.
	Role Role
	// BasedOn names the grant supplying the effective role; Implicit is
	// true when that grant is inherited from a containing scope.
	BasedOn  Resource
	Implicit bool
	// Explicit is true when the user holds a grant recorded directly on the
	// resource itself, even if an inherited grant supplies the effective
	// role. ExplicitRole is that direct grant's role. Explicitness is
	// sticky: merging in a higher-rank inherited grant never clears it.
	Explicit     bool
	ExplicitRole Role
}

func specificity(scope Scope) int {
	switch scope {
	case ScopeBoard:
		return 3
	case ScopeCategory:
		return 2
	case ScopeGroup:
		return 1
	default:
		return 0
	}
}

// Aggregate folds all grants applicable to the chain's head resource into
// one EffectiveGrant per user. The highest-rank grant wins; on a rank tie
// the grant from the most specific scope supplies provenance.
func Aggregate(grants []Grant, chain Chain) map[string]EffectiveGrant {
	if len(chain) == 0 {
		return nil
	}
	target := chain[0]
	out := make(map[string]EffectiveGrant)
	for _, g := range grants {
		if !g.appliesTo(chain) {
			continue
		}
		direct := g.Scope == target.Scope && g.ResourceID == target.ID
		candidate := EffectiveGrant{
			UserID:   g.UserID,
			Resource: target,
			Role:     g.Role,
			BasedOn:  Resource{Scope: g.Scope, ID: g.ResourceID},
			Implicit: !direct,
		}
		if direct {
			candidate.Explicit = true
			candidate.ExplicitRole = g.Role
		}
		existing, ok := out[g.UserID]
		if !ok {
			out[g.UserID] = candidate
			continue
		}
		merged := existing
		switch {
		case Outranks(candidate.Role, existing.Role):
			merged.Role = candidate.Role
			merged.BasedOn = candidate.BasedOn
			merged.Implicit = candidate.Implicit
		case Rank(candidate.Role) == Rank(existing.Role) &&
			specificity(candidate.BasedOn.Scope) > specificity(existing.BasedOn.Scope):
			merged.BasedOn = candidate.BasedOn
			merged.Implicit = candidate.Implicit
		}
		if candidate.Explicit {
			merged.Explicit = true
			if merged.ExplicitRole == "" || Outranks(candidate.ExplicitRole, merged.ExplicitRole) {
				merged.ExplicitRole = candidate.ExplicitRole
			}
		}
		out[g.UserID] = merged
	}
	return out
}
