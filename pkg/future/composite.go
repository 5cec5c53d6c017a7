package future

import "sync"

// WaitAll returns a Future fulfilled (with a []interface{} of values,
// in input order) once every input Future is Fulfilled. If any input
// errors, the composite errors with the first error observed in input
// order and does not cancel the other inputs.
func WaitAll(inputs ...*Future) *Future {
	composite := New(nil)
	if len(inputs) == 0 {
		composite.Fulfill([]interface{}{})
		return composite
	}

	results := make([]interface{}, len(inputs))
	errs := make([]error, len(inputs))
	remaining := len(inputs)
	var mu sync.Mutex

	for i, in := range inputs {
		i, in := i, in
		in.Then(func(f *Future) {
			v, err := f.Get(0)
			mu.Lock()
			results[i] = v
			errs[i] = err
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				for _, e := range errs {
					if e != nil {
						composite.FulfillError(e)
						return
					}
				}
				composite.Fulfill(results)
			}
		})
	}
	return composite
}

// AndThen chains prev into a Future produced by next, once prev
// fulfils successfully; if prev errors, the composite carries that
// error without invoking next.
func AndThen(prev *Future, next func(value interface{}) *Future) *Future {
	composite := New(nil)
	prev.Then(func(f *Future) {
		v, err := f.Get(0)
		if err != nil {
			composite.FulfillError(err)
			return
		}
		nf := next(v)
		nf.Then(func(nf *Future) {
			nv, nerr := nf.Get(0)
			if nerr != nil {
				composite.FulfillError(nerr)
				return
			}
			composite.Fulfill(nv)
		})
	})
	return composite
}
