package toolcaller

import (
	"context"
	"encoding/json"
	"sync"
)

// Strategy selects how a validated batch is dispatched.
type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
)

// Outcome is one call's dispatch result: exactly one of Result/Err is set.
type Outcome struct {
	Call   Call
	Result string
	Err    error
}

// Executor runs one tool call. args is the call's Args JSON string already
// decoded into a generic value before dispatch.
type Executor interface {
	Execute(ctx context.Context, call Call, args any, sessionContext map[string]any) (string, error)
}

// Execute dispatches every call in calls, attaching sessionContext to
// each. Parallel is the default strategy; a per-call failure never aborts
// the rest of the batch.
func Execute(ctx context.Context, executor Executor, calls []Call, sessionContext map[string]any, strategy Strategy) []Outcome {
	if strategy == Sequential {
		out := make([]Outcome, len(calls))
		for i, c := range calls {
			out[i] = dispatch(ctx, executor, c, sessionContext)
		}
		return out
	}

	out := make([]Outcome, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			out[i] = dispatch(ctx, executor, c, sessionContext)
		}(i, c)
	}
	wg.Wait()
	return out
}

func dispatch(ctx context.Context, executor Executor, c Call, sessionContext map[string]any) Outcome {
	var args any
	if c.Args != "" {
		if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
			return Outcome{Call: c, Err: err}
		}
	}
	result, err := executor.Execute(ctx, c, args, sessionContext)
	if err != nil {
		return Outcome{Call: c, Err: err}
	}
	return Outcome{Call: c, Result: result}
}
