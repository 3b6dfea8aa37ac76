// Package authz decides whether a user may act on a phase.
package authz

import (
	"context"

	"github.com/Yaduri/workflow-system/internal/directory"
	"github.com/Yaduri/workflow-system/internal/graph"
	"github.com/Yaduri/workflow-system/model"
)

// IsAuthorized applies the authorization rules in fixed order:
//
//  1. superusers are always authorized;
//  2. a non-empty allow-list decides alone, whatever the user's sector;
//  3. otherwise the user's sector must equal the phase's sector, or the
//     phase must belong to the ALL sector;
//  4. a user without a sector profile is unauthorized.
func IsAuthorized(u model.User, phase model.Phase) bool {
	if u.Superuser {
		return true
	}
	if len(phase.AllowedUsers) > 0 {
		return phase.Allows(u.ID)
	}
	sector, ok := u.Sector()
	if !ok {
		return false
	}
	return phase.Sector == model.SectorAll || phase.Sector == sector
}

// AvailableTargetPhases returns, in phase order, the phases of g that u
// could move an instance in current to.
func AvailableTargetPhases(g *graph.Graph, current model.Phase, u model.User) []model.Phase {
	candidates := g.Candidates(current)
	out := make([]model.Phase, 0, len(candidates))
	for _, p := range candidates {
		if IsAuthorized(u, p) {
			out = append(out, p)
		}
	}
	return out
}

// Checker resolves users through a directory before applying IsAuthorized.
type Checker struct {
	users directory.Directory
}

// NewChecker creates a Checker backed by users.
func NewChecker(users directory.Directory) *Checker {
	return &Checker{users: users}
}

// User resolves userID. Unknown users come back as a zero User, which no
// phase authorizes.
func (c *Checker) User(ctx context.Context, userID string) (model.User, bool, error) {
	if userID == "" {
		return model.User{}, false, nil
	}
	return c.users.Lookup(ctx, userID)
}

// Check reports whether userID may act on phase.
func (c *Checker) Check(ctx context.Context, userID string, phase model.Phase) (bool, error) {
	u, ok, err := c.User(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return IsAuthorized(u, phase), nil
}
