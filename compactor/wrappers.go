package compactor

// List drains a Compactor entirely, returning every group's
// accumulated result in order (spec.md §4.5 "Convenience wrappers...
// compaction over lists").
func List[S, T, A any](c *Compactor[S, T, A], state S) []A {
	var out []A
	for {
		result, _, next, ok := c.Next(state)
		if !ok {
			return out
		}
		out = append(out, result)
		state = next
	}
}

// Map folds a slice through combine, grouping elements via a Compactor and
// reducing each group to a single value (spec.md §4.5 "two flavors of
// map (conv → value...)").
func Map[T, A any](items []T, zero A, combine func(A, T) A, opts ...Option) []A {
	producer := func(i int) (T, int, bool) {
		if i >= len(items) {
			var zero T
			return zero, i, false
		}
		return items[i], i + 1, true
	}
	c := New(producer, zero, combine, opts...)
	return List(c, 0)
}

// FlatMap is [Map]'s other flavor: each element expands to zero or more
// output values via conv, and groups are flattened into one sequence
// (spec.md §4.5 "...and sequence, the latter analogous to a
// flat-map").
func FlatMap[T, R any](items []T, conv func(T) []R, opts ...Option) []R {
	combine := func(acc []R, item T) []R {
		return append(acc, conv(item)...)
	}
	groups := Map(items, []R(nil), combine, opts...)
	var out []R
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
