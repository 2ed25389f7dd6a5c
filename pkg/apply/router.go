package apply

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// Router dispatches a destination to the applier registered for its scheme.
// Destinations without a scheme go to the "file" applier.
type Router struct {
	appliers map[string]engine.Applier
}

// NewRouter creates a router with local as the "file" applier and remote,
// when non-nil, as the "sftp" applier.
func NewRouter(local, remote engine.Applier) *Router {
	r := &Router{appliers: make(map[string]engine.Applier)}
	if local != nil {
		r.Register("file", local)
	}
	if remote != nil {
		r.Register("sftp", remote)
	}
	return r
}

// Register binds scheme to applier.
func (r *Router) Register(scheme string, applier engine.Applier) {
	r.appliers[strings.ToLower(scheme)] = applier
}

// Apply routes to the scheme's applier.
func (r *Router) Apply(ctx context.Context, destination, payload string) (*engine.ApplyOutcome, error) {
	scheme := Scheme(destination)
	applier, ok := r.appliers[scheme]
	if !ok {
		return nil, engine.NewApplyError(fmt.Sprintf("no writer for scheme %q", scheme), nil).
			WithDetail("destination", destination)
	}
	return applier.Apply(ctx, destination, payload)
}

// Scheme returns the lowercased URL scheme of destination, or "file" for
// plain paths.
func Scheme(destination string) string {
	idx := strings.Index(destination, "://")
	if idx <= 0 {
		return "file"
	}
	return strings.ToLower(destination[:idx])
}

var _ engine.Applier = (*Router)(nil)
