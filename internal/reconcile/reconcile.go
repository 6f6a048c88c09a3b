// Package reconcile computes the delta between the persisted node
// inventory and a freshly discovered one. It is pure: callers persist the
// resulting plan.
package reconcile

import "github.com/etnwatch/etnwatch/internal/store"

// Result partitions discovered nodes against existing state.
//
//   - Inserted: identifiers never seen before, created active.
//   - Updated: known active nodes whose tracked attributes changed.
//   - Reactivated: known inactive nodes reported again; same identifier,
//     never a duplicate row.
//   - DeactivatedIDs: existing nodes the inventory stopped reporting,
//     soft-removed only.
//   - UnchangedIDs: known active nodes reported with identical attributes
//     (their last-seen timestamp still gets bumped).
type Result struct {
	Inserted       []store.TransportNode
	Updated        []store.TransportNode
	Reactivated    []store.TransportNode
	DeactivatedIDs []string
	UnchangedIDs   []string
}

// Empty reports whether the plan changes anything beyond last-seen bumps.
func (r Result) Empty() bool {
	return len(r.Inserted) == 0 && len(r.Updated) == 0 &&
		len(r.Reactivated) == 0 && len(r.DeactivatedIDs) == 0
}

// Plan merges discovered into existing. A node kind change (edge to host
// or back) counts as a plain attribute update.
func Plan(existing, discovered []store.TransportNode) Result {
	var res Result

	byID := make(map[string]store.TransportNode, len(existing))
	for _, n := range existing {
		byID[n.ID] = n
	}

	seen := make(map[string]bool, len(discovered))
	for _, d := range discovered {
		if seen[d.ID] {
			// Inventory reported the same identifier twice; first wins.
			continue
		}
		seen[d.ID] = true

		cur, ok := byID[d.ID]
		switch {
		case !ok:
			res.Inserted = append(res.Inserted, d)
		case !cur.IsActive:
			res.Reactivated = append(res.Reactivated, d)
		case attrsChanged(cur, d):
			res.Updated = append(res.Updated, d)
		default:
			res.UnchangedIDs = append(res.UnchangedIDs, d.ID)
		}
	}

	for _, n := range existing {
		if !seen[n.ID] && n.IsActive {
			res.DeactivatedIDs = append(res.DeactivatedIDs, n.ID)
		}
	}
	return res
}

func attrsChanged(cur, next store.TransportNode) bool {
	return cur.DisplayName != next.DisplayName ||
		cur.IPAddress != next.IPAddress ||
		cur.Hostname != next.Hostname ||
		cur.Kind != next.Kind ||
		cur.MaintenanceMode != next.MaintenanceMode
}
