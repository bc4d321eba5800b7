package handlers

import "github.com/n8n-work/taskcore/internal/executor"

// Registry is a static, name-keyed executor.HandlerRegistry. Built once
// at process startup from the set of named steps a deployment knows how
// to run; any named_step absent from the map fails the step rather than
// panicking, per executor.runStep's handling of HandlerFor's ok=false.
type Registry struct {
	handlers map[string]executor.StepHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]executor.StepHandler)}
}

func (r *Registry) Register(namedStep string, handler executor.StepHandler) *Registry {
	r.handlers[namedStep] = handler
	return r
}

func (r *Registry) HandlerFor(namedStep string) (executor.StepHandler, bool) {
	h, ok := r.handlers[namedStep]
	return h, ok
}
