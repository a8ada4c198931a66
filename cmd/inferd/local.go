//go:build !gollama

package main

import (
	"context"

	"inferd/internal/edge"
)

// localExecutor runs tasks routed to this node through the processor's own
// cache and engine.
func (a *app) localExecutor() edge.Executor {
	return edge.ExecutorFunc(func(ctx context.Context, dev edge.Device, task edge.Task) (edge.TaskResult, error) {
		return a.proc.LocalExecutor().Execute(ctx, dev, task)
	})
}
