// Package ipc carries worker output across the process boundary: workers
// publish snapshots and status changes to the orchestrator over gRPC on a
// unix socket, with msgpack-encoded messages.
package ipc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/store"
	"github.com/banshee-data/roadwatch/internal/worker"
)

const serviceName = "roadwatch.ipc.Coordinator"

// PublishRequest carries one worker snapshot.
type PublishRequest struct {
	Road    string        `msgpack:"road"`
	Token   string        `msgpack:"token"`
	Frame   store.Frame   `msgpack:"frame"`
	Metrics store.Metrics `msgpack:"metrics"`
	Stats   worker.Stats  `msgpack:"stats"`
}

// PublishResponse returns the sequence number the store assigned.
type PublishResponse struct {
	Seq uint64 `msgpack:"seq"`
}

// StatusRequest carries a worker status change.
type StatusRequest struct {
	Road   string       `msgpack:"road"`
	Token  string       `msgpack:"token"`
	Status string       `msgpack:"status"`
	Reason string       `msgpack:"reason,omitempty"`
	Stats  worker.Stats `msgpack:"stats"`
}

type StatusResponse struct{}

// ConfigRequest asks for the configuration a new worker runs with.
type ConfigRequest struct {
	Road  string `msgpack:"road"`
	Token string `msgpack:"token"`
}

// ConfigResponse carries the orchestrator's copy of the configuration,
// reduced to the requesting road.
type ConfigResponse struct {
	Config *config.Config `msgpack:"config"`
}

// Handler is implemented by the receiving side, normally the orchestrator.
// Returning an error wrapping worker.ErrSuperseded tells the worker it no
// longer owns the road.
type Handler interface {
	HandlePublish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	HandleStatus(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	HandleConfig(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Report", Handler: reportHandler},
		{MethodName: "Config", Handler: configHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roadwatch/ipc",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandlePublish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Publish"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).HandlePublish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandleStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Report"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).HandleStatus(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func configHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ConfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandleConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Config"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).HandleConfig(ctx, req.(*ConfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}
