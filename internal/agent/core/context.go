package core

import "context"

type instanceContextKey struct{}

// WithInstance attaches the AgentInstance owning the current step to ctx,
// so a builtin tool handler dispatched mid-step (e.g. spawn_agents) can
// reach its caller without the dispatcher itself carrying instance state.
func WithInstance(ctx context.Context, inst *AgentInstance) context.Context {
	return context.WithValue(ctx, instanceContextKey{}, inst)
}

// InstanceFromContext retrieves the instance WithInstance attached, if any.
func InstanceFromContext(ctx context.Context) (*AgentInstance, bool) {
	inst, ok := ctx.Value(instanceContextKey{}).(*AgentInstance)
	return inst, ok
}
