// Package directory resolves users and their sector profiles, from a static
// YAML file or any other source, behind an in-memory TTL cache.
package directory

import (
	"context"

	"github.com/Yaduri/workflow-system/model"
)

// Directory looks up users by ID. A missing user is reported with ok=false,
// not an error.
type Directory interface {
	Lookup(ctx context.Context, userID string) (model.User, bool, error)
}
