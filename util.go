package crac

import (
	"context"
)

// DropContext is a helper function wrapping a context-naive hook as a context
// hook. The context provided to the resulting ContextHook is discarded.
func DropContext(hook Hook) ContextHook {
	if hook == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return hook()
	}
}
