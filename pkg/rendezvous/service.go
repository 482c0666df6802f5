// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rendezvous implements a gRPC service to exchange the device handles of the ranks of a job.
//
// Each rank calls Exchange with its own handle, and receives the handles of all ranks, in rank order,
// once every rank of the job arrived. The job, world size and rank are sent as request metadata.
//
// The service is defined without generated code: requests and responses are
// google.protobuf.BytesValue messages.
package rendezvous

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified name of the gRPC service.
	ServiceName = "quickreduce.Rendezvous"

	// ExchangeMethod is the full name of the Exchange method.
	ExchangeMethod = "/" + ServiceName + "/Exchange"
)

// Metadata keys of an Exchange request.
const (
	MetadataJob       = "job"
	MetadataWorldSize = "world-size"
	MetadataRank      = "rank"
)

// RendezvousServer is the server API of the service.
type RendezvousServer interface {
	Exchange(ctx context.Context, handle *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quickreduce/rendezvous",
}

// RegisterRendezvousServer registers srv in the gRPC server.
func RegisterRendezvousServer(registrar grpc.ServiceRegistrar, srv RendezvousServer) {
	registrar.RegisterService(&serviceDesc, srv)
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExchangeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RendezvousServer).Exchange(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
