package edge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"inferd/pkg/types"
)

// Task is one unit of work routed to a device.
type Task struct {
	ID           string
	RequestID    string
	ModelID      string
	Prompt       string
	Messages     []types.Message
	Config       types.InferenceConfig
	Requirements Requirements
}

// TaskResult is what an executor produced.
type TaskResult struct {
	DeviceID         string
	Text             string
	PromptTokens     int
	CompletionTokens int
	StopReason       string
	Incomplete       bool
	Elapsed          time.Duration
}

// Executor runs a task on a device.
type Executor interface {
	Execute(ctx context.Context, dev Device, task Task) (TaskResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, dev Device, task Task) (TaskResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, dev Device, task Task) (TaskResult, error) {
	return f(ctx, dev, task)
}

var errNoExecutor = errors.New("edge: no executor for device")

// Distribute runs task on the optimal device for modelID. If that device
// fails with a retryable error the task is re-routed once to the next best
// device; when that also fails, or no alternative exists, a
// DeviceUnavailableError is returned.
func (c *Coordinator) Distribute(ctx context.Context, modelID string, task Task) (TaskResult, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.ModelID = modelID

	first, err := c.pick(modelID, task.Requirements, "")
	if err != nil {
		dispatchTotal.WithLabelValues("no_device").Inc()
		return TaskResult{}, err
	}
	res, err := c.dispatch(ctx, first, task)
	if err == nil {
		return res, nil
	}
	if !c.opts.Retryable(err) {
		return res, err
	}

	second, perr := c.pick(modelID, task.Requirements, first)
	if perr != nil {
		return res, &DeviceUnavailableError{DeviceID: first, Err: err}
	}
	reroutesTotal.Inc()
	c.log.Warn().
		Str("event", "dispatch_reroute").
		Str("task", task.ID).
		Str("from", first).
		Str("to", second).
		Err(err).
		Msg("re-routing task")
	res, err = c.dispatch(ctx, second, task)
	if err == nil {
		return res, nil
	}
	if !c.opts.Retryable(err) {
		return res, err
	}
	return res, &DeviceUnavailableError{DeviceID: second, Err: err}
}

func (c *Coordinator) dispatch(ctx context.Context, id string, task Task) (TaskResult, error) {
	dev, done, ok := c.acquire(id)
	if !ok {
		dispatchTotal.WithLabelValues("error").Inc()
		return TaskResult{}, &UnreachableError{DeviceID: id, Err: ErrDeviceNotFound}
	}
	defer done()

	exec := c.opts.Remote
	if dev.Local {
		exec = c.opts.Local
	}
	if exec == nil {
		dispatchTotal.WithLabelValues("error").Inc()
		return TaskResult{}, &UnreachableError{DeviceID: id, Err: errNoExecutor}
	}

	start := time.Now()
	res, err := exec.Execute(ctx, dev, task)
	res.DeviceID = id
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}
	if err != nil {
		dispatchTotal.WithLabelValues("error").Inc()
		if IsUnreachable(err) {
			_ = c.MarkOffline(id)
		}
		c.log.Debug().Str("event", "dispatch_failed").Str("task", task.ID).Str("device", id).Err(err).Msg("dispatch failed")
		return res, err
	}
	dispatchTotal.WithLabelValues("ok").Inc()
	c.log.Debug().
		Str("event", "dispatch_done").
		Str("task", task.ID).
		Str("device", id).
		Int("completion_tokens", res.CompletionTokens).
		Dur("elapsed", res.Elapsed).
		Msg("dispatch finished")
	return res, nil
}
