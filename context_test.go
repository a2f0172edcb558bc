package strand_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strandlib/strand"
)

func TestContextLookup(t *testing.T) {
	root := strand.NewContext()
	root.Set("region", "eu-west")
	root.Set("shadowed", "parent")

	child := root.NewChild()
	child.Set("shadowed", "child")

	t.Run("inherits from parent", func(t *testing.T) {
		v, ok := child.Value("region")
		require.True(t, ok)
		require.Equal(t, "eu-west", v)
		require.True(t, child.Has("region"))
	})

	t.Run("local wins over parent", func(t *testing.T) {
		v, _ := child.Value("shadowed")
		require.Equal(t, "child", v)
		v, _ = root.Value("shadowed")
		require.Equal(t, "parent", v)
	})

	t.Run("local lookup ignores parents", func(t *testing.T) {
		_, ok := child.LocalValue("region")
		require.False(t, ok)
		require.False(t, child.HasLocal("region"))
		require.True(t, child.HasLocal("shadowed"))
	})

	t.Run("missing key", func(t *testing.T) {
		_, ok := child.Value("nope")
		require.False(t, ok)
	})

	require.Same(t, root, child.Parent())
	require.Nil(t, root.Parent())
}

func TestContextPut(t *testing.T) {
	ctx := strand.NewContext()
	require.NoError(t, ctx.Put("k", 1))
	require.ErrorIs(t, ctx.Put("k", 2), strand.ErrKeyExists)

	v, _ := ctx.Value("k")
	require.Equal(t, 1, v, "a failed Put must not overwrite")

	// Put only guards the local mapping; shadowing a parent key is fine.
	child := ctx.NewChild()
	require.NoError(t, child.Put("k", 2))
}

func TestContextSetAndDelete(t *testing.T) {
	parent := strand.NewContext()
	parent.Set("k", "parent")
	child := parent.NewChild()
	child.Set("k", "child")

	child.Delete("k")

	v, ok := child.Value("k")
	require.True(t, ok, "delete is local; the parent value shows through again")
	require.Equal(t, "parent", v)

	v, _ = parent.Value("k")
	require.Equal(t, "parent", v)
}

type contextPayload struct {
	n int
}

// storeWeak keeps the only strong reference inside this frame so the target
// is collectable once it returns.
func storeWeak(t *testing.T, ctx *strand.Context) {
	p := &contextPayload{n: 41}
	ctx.Set("p", strand.Weak(p))

	v, ok := ctx.Value("p")
	require.True(t, ok, "weak value resolves while the target is live")
	require.Equal(t, 41, v.(*contextPayload).n)
}

func TestContextWeakValue(t *testing.T) {
	ctx := strand.NewContext()
	storeWeak(t, ctx)

	runtime.GC()
	runtime.GC()

	_, ok := ctx.Value("p")
	require.False(t, ok, "a collected weak value reads as absent")
	require.False(t, ctx.Has("p"))
}

func TestContextWeakValueKeptAlive(t *testing.T) {
	ctx := strand.NewContext()
	p := &contextPayload{n: 7}
	ctx.Set("p", strand.Weak(p))

	runtime.GC()

	v, ok := ctx.Value("p")
	require.True(t, ok)
	require.Equal(t, 7, v.(*contextPayload).n)
	runtime.KeepAlive(p)
}

// A dead weak slot reads as absent at its level; the lookup keeps walking
// the parent chain.
func TestContextDeadWeakFallsThroughToParent(t *testing.T) {
	parent := strand.NewContext()
	parent.Set("p", "fallback")
	child := parent.NewChild()
	storeWeakString(child)

	runtime.GC()
	runtime.GC()

	v, ok := child.Value("p")
	require.True(t, ok, "lookup continues past the dead slot to the parent")
	require.Equal(t, "fallback", v)
	require.False(t, child.HasLocal("p"), "locally the dead slot reads as absent")
}

func storeWeakString(ctx *strand.Context) {
	s := new(string)
	*s = "short-lived"
	ctx.Set("p", strand.Weak(s))
}

func TestScopeContextChain(t *testing.T) {
	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		root := co.Scope()
		root.Context().Set("app", "strand-test")

		svc, _ := root.NewChild("svc")
		svc.Context().Set("component", "svc")

		inner, _ := svc.NewChild("inner")

		v, ok := inner.Context().Value("app")
		if !ok || v != "strand-test" {
			t.Errorf("grandchild must see root values, got %v %v", v, ok)
		}
		v, ok = inner.Context().Value("component")
		if !ok || v != "svc" {
			t.Errorf("grandchild must see parent values, got %v %v", v, ok)
		}
		if root.Context().Has("component") {
			t.Error("child writes must not be visible upward")
		}
		return nil, nil
	}, strand.WithReactor(strand.NewVirtualReactor()))
	require.NoError(t, err)
}
