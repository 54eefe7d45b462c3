package steward

import "github.com/stewardhq/steward/internal/types"

// hiddenFields lists the attribute names a role may not see, per collection.
// Filtering happens on read copies only; the cache always holds the full
// record so a later role change needs no refetch.
var hiddenFields = map[types.Role]map[string][]string{
	types.RoleMember: {
		types.CollectionReports: {"offeringAmount", "approvedBy", "submittedBy", "notes"},
		types.CollectionMembers: {"phone", "notes"},
	},
	types.RoleClerk: {
		types.CollectionMembers: {"notes"},
	},
}

// filterAttributes returns a copy of attrs with the fields hidden from role
// removed. Admin and leader see everything.
func filterAttributes(role types.Role, collection string, attrs map[string]any) map[string]any {
	out := types.CloneAttributes(attrs)
	for _, field := range hiddenFields[role][collection] {
		delete(out, field)
	}
	return out
}

// canWrite reports whether role may issue a write with the given attributes.
// Members are read-only. Clerks record members and reports but cannot touch
// the unit hierarchy or approve reports.
func canWrite(role types.Role, collection string, attrs map[string]any) error {
	switch role {
	case types.RoleAdmin, types.RoleLeader:
		return nil

	case types.RoleClerk:
		if collection == types.CollectionUnits {
			return &types.PermissionError{Op: "write " + collection, Detail: "clerks cannot modify units"}
		}
		if collection == types.CollectionReports {
			if approved, _ := attrs["approved"].(bool); approved {
				return &types.PermissionError{Op: "write " + collection, Detail: "approving reports requires a leader"}
			}
			if by, _ := attrs["approvedBy"].(string); by != "" {
				return &types.PermissionError{Op: "write " + collection, Detail: "approving reports requires a leader"}
			}
		}
		return nil
	}

	return &types.PermissionError{Op: "write " + collection, Detail: "role is read-only"}
}
