package converge

import (
	"context"
)

// Persistence keeps resource snapshots outside process memory. Save runs
// inside the commit critical section, so saves for one resource always
// arrive in version order. Load runs once per resource on first access.
// an absent resource loads as (nil, nil).
type Persistence interface {
	Save(ctx context.Context, resourceId string, resource *Resource) error
	Load(ctx context.Context, resourceId string) (*Resource, error)
}
