package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Args carries the union of arguments the research tools understand. Each
// tool reads the fields it cares about; missing fields stay zero-valued so
// a malformed stage request degrades to a tool-level failure instead of a
// crash.
type Args struct {
	Query       string                 `json:"query,omitempty"`
	URL         string                 `json:"url,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Expression  string                 `json:"expression,omitempty"`
	Style       string                 `json:"style,omitempty"`
	MaxLength   int                    `json:"max_length,omitempty"`
	CreateChart bool                   `json:"create_chart,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Tool is a single research capability. Run returns a tool-specific payload
// or an error; it never needs to guard against panics or wrap its own
// failures, the Registry does both.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, args Args) (interface{}, error)
}

// Result records one tool invocation. Success and Error are mutually
// exclusive: a failed invocation carries a non-empty Error and no payload,
// a successful one carries the payload and no Error.
type Result struct {
	Tool    string      `json:"tool"`
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Registry maps tool names to implementations and is the pipeline's sole
// failure-isolation boundary: Invoke converts every misfire (unknown name,
// returned error, even a panic) into a failed Result and never propagates.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Register adds a tool; a later registration under the same name replaces
// the earlier one.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("cannot register tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Printf("replacing tool %q", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named tool and wraps the outcome in a Result.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) (res Result) {
	started := time.Now()
	res = Result{Tool: name}
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Tool: name, Error: fmt.Sprintf("tool panicked: %v", rec)}
		}
		recordInvocation(ctx, name, res.Success, time.Since(started))
		if res.Success {
			r.logger.Printf("tool %s ok in %s", name, time.Since(started).Round(time.Millisecond))
		} else {
			r.logger.Printf("tool %s failed: %s", name, res.Error)
		}
	}()

	tool, ok := r.Get(name)
	if !ok {
		res.Error = fmt.Sprintf("Unknown tool: %s", name)
		return res
	}
	payload, err := tool.Run(ctx, args)
	if err != nil {
		res.Error = err.Error()
		if res.Error == "" {
			res.Error = "tool failed"
		}
		return res
	}
	res.Success = true
	res.Result = payload
	return res
}
