package optimistic

import "context"

// Func adapts plain functions to Mutation.
type Func struct {
	K       string
	ApplyFn func() (any, Undo)
	WriteFn func(ctx context.Context) error
}

func (f Func) Key() string { return f.K }

func (f Func) Apply() (any, Undo) { return f.ApplyFn() }

func (f Func) Write(ctx context.Context) error {
	if f.WriteFn == nil {
		return nil
	}
	return f.WriteFn(ctx)
}

// CompensatingFunc is a Func with a relative effect.
type CompensatingFunc struct {
	Func
	CompensateFn func()
}

func (f CompensatingFunc) Compensate() {
	if f.CompensateFn != nil {
		f.CompensateFn()
	}
}
