// Package toolregistry implements the process-wide, thread-safe mapping
// from tool name (optionally namespaced) to its JSON Schema declaration and
// handler, following the teacher's registry.Manager: functional options for
// observability seams, an RWMutex-guarded map, and an OTel span around each
// Execute call.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/telemetry"
)

// Handler executes a registered tool against validated arguments and
// returns a JSON-serialisable result or a structured error. Handlers run
// synchronously from the registry's perspective; they may themselves
// perform asynchronous work internally.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Entry is the full registration for one (name, namespace) pair.
type Entry struct {
	Name      string
	Namespace string
	Category  string
	Tags      []string
	Schema    json.RawMessage
	Enabled   bool

	handler  Handler
	compiled *jsonschema.Schema
}

// Filter narrows a List call. Zero-value fields are unconstrained.
type Filter struct {
	Category  string
	Tag       string
	Enabled   *bool
	Namespace string
}

// Registry is the process-wide tool registry. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by namespace + "\x00" + name

	logger telemetry.Logger
	tracer telemetry.Tracer
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger sets the logger used for registration/execution diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTracer sets the tracer used to instrument Execute.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{entries: make(map[string]*Entry)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	return r
}

func entryKey(namespace, name string) string {
	return namespace + "\x00" + name
}

// Register adds a tool under (name, namespace). It fails if the pair is
// already present, or if schema is not a valid JSON Schema document.
func (r *Registry) Register(name, namespace, category string, tags []string, schema json.RawMessage, handler Handler) error {
	if name == "" {
		return dwerrors.New(dwerrors.KindInvalidArguments, "tool name must not be empty").WithField("name")
	}
	if handler == nil {
		return dwerrors.New(dwerrors.KindInvalidArguments, "tool handler must not be nil").WithField("handler")
	}

	var compiled *jsonschema.Schema
	if len(schema) > 0 {
		c := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(schema, &doc); err != nil {
			return dwerrors.Wrap(dwerrors.KindInvalidArguments, err, "tool schema is not valid JSON").WithField("schema")
		}
		resource := fmt.Sprintf("mem://%s/%s", namespace, name)
		if err := c.AddResource(resource, doc); err != nil {
			return dwerrors.Wrap(dwerrors.KindInvalidArguments, err, "tool schema rejected by compiler").WithField("schema")
		}
		sch, err := c.Compile(resource)
		if err != nil {
			return dwerrors.Wrap(dwerrors.KindInvalidArguments, err, "tool schema failed to compile").WithField("schema")
		}
		compiled = sch
	}

	key := entryKey(namespace, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return dwerrors.Newf(dwerrors.KindInvalidArguments, "tool %q already registered in namespace %q", name, namespace)
	}
	r.entries[key] = &Entry{
		Name:      name,
		Namespace: namespace,
		Category:  category,
		Tags:      append([]string(nil), tags...),
		Schema:    schema,
		Enabled:   true,
		handler:   handler,
		compiled:  compiled,
	}
	return nil
}

// Unregister removes a tool. It is a no-op if the pair is not present.
func (r *Registry) Unregister(name, namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, entryKey(namespace, name))
}

// Get returns a defensive copy of the entry for (name, namespace).
func (r *Registry) Get(name, namespace string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entryKey(namespace, name)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns defensive copies of every entry matching filter.
func (r *Registry) List(filter Filter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.Namespace != "" && e.Namespace != filter.Namespace {
			continue
		}
		if filter.Enabled != nil && e.Enabled != *filter.Enabled {
			continue
		}
		if filter.Tag != "" && !containsTag(e.Tags, filter.Tag) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SetEnabled toggles a tool's availability to Execute.
func (r *Registry) SetEnabled(name, namespace string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryKey(namespace, name)]
	if !ok {
		return dwerrors.Newf(dwerrors.KindUnknownTool, "tool %q not found in namespace %q", name, namespace)
	}
	e.Enabled = enabled
	return nil
}

// Execute validates arguments against the registered schema (if any) and
// invokes the handler. It returns unknown_tool or tool_disabled for lookup
// failures, invalid_arguments for schema-validation failures, and whatever
// the handler itself returns otherwise.
func (r *Registry) Execute(ctx context.Context, name, namespace string, args json.RawMessage) (result any, err error) {
	ctx, span := r.tracer.Start(ctx, "toolregistry.Execute")
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.AddEvent("tool_execute_done", "name", name, "namespace", namespace, "duration_ms", time.Since(start).Milliseconds())
		span.End()
	}()

	r.mu.RLock()
	e, ok := r.entries[entryKey(namespace, name)]
	r.mu.RUnlock()
	if !ok {
		err = dwerrors.Newf(dwerrors.KindUnknownTool, "tool %q not found in namespace %q", name, namespace)
		return nil, err
	}
	if !e.Enabled {
		err = dwerrors.Newf(dwerrors.KindToolDisabled, "tool %q is disabled", name)
		return nil, err
	}

	if e.compiled != nil {
		var doc any
		if len(args) == 0 {
			doc = map[string]any{}
		} else if unmarshalErr := json.Unmarshal(args, &doc); unmarshalErr != nil {
			err = dwerrors.Wrap(dwerrors.KindInvalidArguments, unmarshalErr, "arguments are not valid JSON")
			return nil, err
		}
		if valErr := e.compiled.Validate(doc); valErr != nil {
			err = dwerrors.Wrap(dwerrors.KindInvalidArguments, valErr, "arguments failed schema validation")
			return nil, err
		}
	}

	r.logger.Debug(ctx, "executing tool", "name", name, "namespace", namespace)
	result, err = e.handler(ctx, args)
	return result, err
}
