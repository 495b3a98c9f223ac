package stacks

import (
	"context"
	"fmt"

	"stackcast/internal/process"
	"stackcast/internal/pubsub"
	"stackcast/pkg/logx"
)

// Action is a compose lifecycle operation.
type Action string

const (
	ActionUp      Action = "up"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionDown    Action = "down"
	// ActionPull pulls images and, if the stack was running, recreates it.
	ActionPull Action = "pull"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionUp, ActionStop, ActionRestart, ActionDown, ActionPull:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

func (a Action) args() []string {
	switch a {
	case ActionUp:
		return []string{"compose", "up", "-d", "--remove-orphans"}
	case ActionStop:
		return []string{"compose", "stop"}
	case ActionRestart:
		return []string{"compose", "restart"}
	case ActionDown:
		return []string{"compose", "down"}
	case ActionPull:
		return []string{"compose", "pull"}
	}
	return nil
}

// Run starts action as the stack's single compose operation. It fails with
// process.ErrBusy while another operation on the stack is running. The
// returned channel yields the final exit code after the stack status has
// been refreshed and broadcast.
func (s *Stack) Run(ctx context.Context, action Action, sub pubsub.Subscriber) (<-chan int, error) {
	args := action.args()
	if args == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	first, err := s.exec(args, sub)
	if err != nil {
		return nil, err
	}

	out := make(chan int, 1)
	go func() {
		code := <-first
		if action == ActionPull && code == 0 {
			code = s.upIfRunning(ctx, sub)
		}
		s.afterAction(ctx, action, code)
		out <- code
	}()
	return out, nil
}

func (s *Stack) exec(args []string, sub pubsub.Subscriber) (<-chan int, error) {
	return s.d.procs.Exec(process.ExecSpec{
		Name: s.composeProcessName(),
		File: s.d.binary,
		Args: args,
		Dir:  s.Path(),
	}, sub)
}

func (s *Stack) upIfRunning(ctx context.Context, sub pubsub.Subscriber) int {
	if _, err := s.Refresh(ctx); err != nil {
		s.d.log.Warn("status refresh after pull failed", logx.String("stack", s.name), logx.Err(err))
		return 0
	}
	if s.Status() != StatusRunning {
		return 0
	}
	done, err := s.exec(ActionUp.args(), sub)
	if err != nil {
		s.d.log.Warn("recreate after pull not started", logx.String("stack", s.name), logx.Err(err))
		return 0
	}
	return <-done
}

func (s *Stack) afterAction(ctx context.Context, action Action, code int) {
	lvl := s.d.log.Info
	if code != 0 {
		lvl = s.d.log.Warn
	}
	lvl("stack action finished", logx.String("stack", s.name), logx.String("action", string(action)), logx.Int("code", code))

	changed, err := s.Refresh(ctx)
	if err != nil {
		s.d.log.Warn("status refresh failed", logx.String("stack", s.name), logx.Err(err))
		return
	}
	if changed {
		if err := s.d.Broadcast(ctx); err != nil {
			s.d.log.Warn("broadcast failed", logx.Err(err))
		}
	}
}
