//go:build gollama

package main

import (
	"context"

	"inferd/internal/edge"
)

// localExecutor runs tasks routed to this node through go-llama.cpp.
func (a *app) localExecutor() edge.Executor {
	a.log.Info().Str("event", "local_executor").Str("backend", "go-llama.cpp").Msg("edge tasks run through go-llama.cpp")
	return edge.NewGoLlamaExecutor(func(ctx context.Context, modelID string) (string, error) {
		m, err := a.reg.Resolve(ctx, modelID)
		if err != nil {
			return "", err
		}
		return m.Path, nil
	})
}
