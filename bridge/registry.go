package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Method is an exported module method. args is the positional argument
// list as a JSON array (possibly empty).
type Method func(ctx context.Context, args json.RawMessage) (any, error)

// NativeModule is anything that can be registered with a Registry.
type NativeModule interface {
	Name() string
	CanOverrideExistingModule() bool
	Methods() map[string]Method
}

// EventSource is implemented by modules that emit events.
type EventSource interface {
	Emitter() *Emitter
}

// ErrModuleExists is returned when registering a second module under a
// name whose newcomer does not allow overriding.
var ErrModuleExists = errors.New("module already registered")

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
	Events  []string `json:"events,omitempty"`
}

// Registry is the registration surface the transport dispatches into.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]NativeModule
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]NativeModule)}
}

// Register adds m. A module already registered under the same name is
// replaced only when m can override existing modules.
func (r *Registry) Register(m NativeModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		if !m.CanOverrideExistingModule() {
			return fmt.Errorf("%w: %s", ErrModuleExists, name)
		}
		logger.Printf("module %s overrides an existing registration", name)
	}
	r.modules[name] = m
	return nil
}

func (r *Registry) Module(name string) (NativeModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Describe lists registered modules sorted by name.
func (r *Registry) Describe() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(r.modules))
	for name, m := range r.modules {
		info := ModuleInfo{Name: name}
		for method := range m.Methods() {
			info.Methods = append(info.Methods, method)
		}
		sort.Strings(info.Methods)
		if es, ok := m.(EventSource); ok {
			info.Events = es.Emitter().SupportedEvents()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// unknownLabel stands in for caller-supplied names that resolve to
// nothing, keeping metric label values bounded.
const unknownLabel = "unknown"

// Invoke calls module.method with args.
func (r *Registry) Invoke(ctx context.Context, module, method string, args json.RawMessage) (any, error) {
	m, ok := r.Module(module)
	if !ok {
		metricCalls.WithLabelValues(unknownLabel, unknownLabel, CodeUnknownModule).Inc()
		return nil, Reject(CodeUnknownModule, "module %q is not registered", module)
	}
	fn, ok := m.Methods()[method]
	if !ok {
		metricCalls.WithLabelValues(module, unknownLabel, CodeUnknownMethod).Inc()
		return nil, Reject(CodeUnknownMethod, "%s has no method %q", module, method)
	}

	result, err := fn(ctx, args)
	code := "ok"
	if err != nil {
		code = CodeOf(err)
	}
	metricCalls.WithLabelValues(module, method, code).Inc()
	return result, err
}

// DecodeArgs unpacks a positional JSON argument array into targets.
// Missing trailing arguments are an error; extra ones are ignored.
func DecodeArgs(args json.RawMessage, targets ...any) error {
	var list []json.RawMessage
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &list); err != nil {
			return Reject(CodeInvalidArgs, "arguments must be a JSON array: %v", err)
		}
	}
	if len(list) < len(targets) {
		return Reject(CodeInvalidArgs, "expected %d argument(s), got %d", len(targets), len(list))
	}
	for i, target := range targets {
		if err := json.Unmarshal(list[i], target); err != nil {
			return Reject(CodeInvalidArgs, "argument %d: %v", i, err)
		}
	}
	return nil
}
