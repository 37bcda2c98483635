package acl

import "sort"

// Guard is the boundary through which the rest of the engine consults the
// policy. When enforcement is disabled it answers allow without touching the
// snapshot; the decision chain itself never knows about the toggle.
type Guard struct {
	manager  *Manager
	enforced bool
}

// NewGuard wraps a manager with the enforcement toggle.
func NewGuard(manager *Manager, enforced bool) *Guard {
	return &Guard{manager: manager, enforced: enforced}
}

// Enforced reports whether policy enforcement is active.
func (g *Guard) Enforced() bool {
	return g.enforced
}

// AuthorizeCommand decides whether a triggering command may run.
func (g *Guard) AuthorizeCommand(chatID, userID int64, command string) Decision {
	if !g.enforced {
		return Decision{Allowed: true, Reason: ReasonDisabled}
	}
	return g.manager.AuthorizeCommand(chatID, userID, command)
}

// AuthorizeTool decides whether a tool may execute.
func (g *Guard) AuthorizeTool(chatID, userID int64, tool string) Decision {
	if !g.enforced {
		return Decision{Allowed: true, Reason: ReasonDisabled}
	}
	return g.manager.AuthorizeTool(chatID, userID, tool)
}

// FilterAllowedTools narrows a candidate tool list to the allowed subset.
// With enforcement off every normalized candidate passes, deduplicated and
// sorted the same way the enforced path sorts them.
func (g *Guard) FilterAllowedTools(chatID, userID int64, candidates []string) []string {
	if g.enforced {
		return g.manager.FilterAllowedTools(chatID, userID, candidates)
	}
	if len(candidates) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(candidates))
	all := make([]string, 0, len(candidates))
	for _, tool := range candidates {
		normalized := NormalizeName(tool)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		all = append(all, normalized)
	}
	sort.Strings(all)
	return all
}

// Meta exposes the underlying manager's load metadata.
func (g *Guard) Meta() Meta {
	return g.manager.Meta()
}

// IsOwner reports whether the user has the owner bypass.
func (g *Guard) IsOwner(userID int64) bool {
	return g.manager.IsOwner(userID)
}
