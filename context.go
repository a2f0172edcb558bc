package strand

import "weak"

// Context is a hierarchical key/value store attached to a scope or lazily to
// a single coroutine. Lookups search the local mapping first, then walk the
// parent chain; writes always go to the local mapping.
//
// Values may be weak references created with [Weak]; reads transparently
// dereference them to the live target, or treat the slot as absent once the
// target has been collected. Dropping a weak-valued slot never does anything
// to the referenced object beyond releasing strand's own (non-owning) handle.
//
// A Context is mutated only between suspension points on the scheduler
// goroutine, so it needs no locking.
type Context struct {
	parent *Context
	values map[string]any
}

// NewContext creates a root context with no parent.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// NewChild creates a context whose lookups fall back to c.
func (c *Context) NewChild() *Context {
	return &Context{parent: c, values: make(map[string]any)}
}

// Parent returns the parent context, or nil for a root.
func (c *Context) Parent() *Context { return c.parent }

type weakRef interface {
	resolve() (any, bool)
}

type weakValue[T any] struct {
	p weak.Pointer[T]
}

func (w weakValue[T]) resolve() (any, bool) {
	if v := w.p.Value(); v != nil {
		return v, true
	}
	return nil, false
}

// Weak wraps a pointer so that storing it in a Context does not extend the
// lifetime of the target. A lookup returns the *T while the target is live
// and reports the key as absent after it has been collected.
func Weak[T any](p *T) any {
	return weakValue[T]{p: weak.Make(p)}
}

// Value looks key up in the local mapping and then the parent chain.
// A weak-valued slot whose target has been collected is skipped as if the
// key were absent at that level.
func (c *Context) Value(key string) (any, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		if v, ok := cur.lookupLocal(key); ok {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether key resolves anywhere on the parent chain.
func (c *Context) Has(key string) bool {
	_, ok := c.Value(key)
	return ok
}

// LocalValue looks key up in the local mapping only.
func (c *Context) LocalValue(key string) (any, bool) {
	return c.lookupLocal(key)
}

// HasLocal reports whether key resolves in the local mapping only.
func (c *Context) HasLocal(key string) bool {
	_, ok := c.lookupLocal(key)
	return ok
}

func (c *Context) lookupLocal(key string) (any, bool) {
	v, ok := c.values[key]
	if !ok {
		return nil, false
	}
	if wr, isWeak := v.(weakRef); isWeak {
		return wr.resolve()
	}
	return v, true
}

// Put writes key into the local mapping, failing with [ErrKeyExists] if the
// key is already present locally. A dead weak slot counts as present; use
// [Context.Set] to overwrite it.
func (c *Context) Put(key string, v any) error {
	if _, exists := c.values[key]; exists {
		return ErrKeyExists
	}
	c.values[key] = v
	return nil
}

// Set writes key into the local mapping, replacing any existing value.
func (c *Context) Set(key string, v any) {
	c.values[key] = v
}

// Delete removes key from the local mapping. Parents are never touched.
func (c *Context) Delete(key string) {
	delete(c.values, key)
}
