package stacks

import (
	"context"

	"stackcast/internal/docker"
)

// ServiceLister is the optional part of Compose that reports per-service
// state. *docker.Client implements it.
type ServiceLister interface {
	ComposePs(ctx context.Context, dir string) ([]docker.Service, error)
}

// ServiceStates maps compose service name to its health or state as
// reported by `docker compose ps`. It is empty when the stack has no
// containers or the Compose backend cannot list services.
func (s *Stack) ServiceStates(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	sl, ok := s.d.compose.(ServiceLister)
	if !ok {
		return out, nil
	}
	svcs, err := sl.ComposePs(ctx, s.Path())
	if err != nil {
		return out, err
	}
	for _, svc := range svcs {
		out[svc.Service] = svc.Status()
	}
	return out, nil
}
