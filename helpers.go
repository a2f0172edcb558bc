package strand

import (
	"errors"
	"fmt"
)

// ForEach runs fn for each item as a coroutine member of a fresh task group
// and suspends co until every member has finished. Member failures are
// collected and returned joined; they never propagate past the group.
//
//	err := strand.ForEach(co, "fetch", urls, func(co *strand.Coroutine, u string) error {
//	    return fetch(co, u)
//	})
func ForEach[T any](co *Coroutine, name string, items []T, fn func(co *Coroutine, item T) error) error {
	g, err := NewTaskGroup(co.Scope(), name, true)
	if err != nil {
		return err
	}
	for i, item := range items {
		if _, err := g.Go(fmt.Sprintf("%s[%d]", name, i), func(c *Coroutine) error {
			return fn(c, item)
		}); err != nil {
			return err
		}
	}
	if _, err := co.Await(g.Join()); err != nil {
		return err
	}
	return errors.Join(g.Errs()...)
}

// MapSlice runs fn for each item concurrently and collects the results in
// input order, suspending co until every member has finished. On any member
// failure it returns nil and the joined errors.
//
//	prices, err := strand.MapSlice(co, "price", products, fetchPrice)
func MapSlice[T, R any](co *Coroutine, name string, items []T, fn func(co *Coroutine, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	g, err := NewTaskGroup(co.Scope(), name, true)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if _, err := g.Go(fmt.Sprintf("%s[%d]", name, i), func(c *Coroutine) error {
			r, err := fn(c, item)
			if err != nil {
				return err
			}
			results[i] = r // each member writes a unique index
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if _, err := co.Await(g.Join()); err != nil {
		return nil, err
	}
	if errs := g.Errs(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}
