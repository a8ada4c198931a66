package httpapi

import (
	"context"
	"errors"
	"io"

	"inferd/internal/edge"
	"inferd/internal/processor"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, req types.SubmitRequest) (types.Response, error)
	Infer(ctx context.Context, req types.SubmitRequest, w io.Writer, flush func()) error
	Stats() types.Stats
	ListModels() []types.Model
	Ready() bool
}

// DeviceService is implemented by services with edge distribution enabled.
// Without it the device routes answer 404.
type DeviceService interface {
	Devices() []types.DeviceStatus
	RegisterDevice(req types.RegisterDeviceRequest) error
	Heartbeat(id string) error
	Deregister(id string) error
}

// Node adapts the processor, the model registry and the optional edge
// coordinator to Service and DeviceService.
type Node struct {
	Processor   *processor.Processor
	Registry    *registry.Registry
	Coordinator *edge.Coordinator
}

var _ Service = (*Node)(nil)

// ErrEdgeDisabled is returned by device operations when no coordinator is
// configured.
var ErrEdgeDisabled = errors.New("edge distribution disabled")

func (n *Node) Submit(ctx context.Context, req types.SubmitRequest) (types.Response, error) {
	return n.Processor.Execute(ctx, req)
}

func (n *Node) Infer(ctx context.Context, req types.SubmitRequest, w io.Writer, flush func()) error {
	return n.Processor.Infer(ctx, req, w, flush)
}

func (n *Node) Stats() types.Stats { return n.Processor.Stats() }

// ListModels returns the registry contents, or only the initialized model
// when no registry is configured.
func (n *Node) ListModels() []types.Model {
	if n.Registry != nil {
		return n.Registry.List()
	}
	if m, ok := n.Processor.DefaultModel(); ok {
		return []types.Model{m}
	}
	return []types.Model{}
}

func (n *Node) Ready() bool {
	_, ok := n.Processor.DefaultModel()
	return ok
}

// Devices returns the coordinator's device table.
func (n *Node) Devices() []types.DeviceStatus {
	if n.Coordinator == nil {
		return []types.DeviceStatus{}
	}
	return n.Coordinator.Devices()
}

func (n *Node) RegisterDevice(req types.RegisterDeviceRequest) error {
	if n.Coordinator == nil {
		return ErrEdgeDisabled
	}
	return n.Coordinator.Register(edge.FromRequest(req))
}

func (n *Node) Heartbeat(id string) error {
	if n.Coordinator == nil {
		return ErrEdgeDisabled
	}
	return n.Coordinator.Heartbeat(id)
}

func (n *Node) Deregister(id string) error {
	if n.Coordinator == nil {
		return ErrEdgeDisabled
	}
	return n.Coordinator.Deregister(id)
}
