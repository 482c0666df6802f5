// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/gomlx/quickreduce/pkg/support/xsync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

// MaxWorldSize accepted by the server.
const MaxWorldSize = 64

// Server implements RendezvousServer, holding the jobs in memory.
type Server struct {
	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	worldSize int
	handles   [][]byte
	arrived   int
	done      *xsync.LatchWithValue[[]byte]
}

var _ RendezvousServer = (*Server)(nil)

// NewServer creates a Server.
func NewServer() *Server {
	return &Server{jobs: make(map[string]*job)}
}

// NewGRPCServer creates a gRPC server with the Server registered and requests logged with klog.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *Server) {
	opts = append(opts, grpc.UnaryInterceptor(logInterceptor))
	g := grpc.NewServer(opts...)
	s := NewServer()
	RegisterRendezvousServer(g, s)
	return g, s
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		klog.V(1).Infof("rendezvous: %s failed after %s: %v", info.FullMethod, time.Since(start), err)
	} else {
		klog.V(2).Infof("rendezvous: %s served in %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}

// Exchange registers the caller's handle and waits for the handles of all ranks of the job.
func (s *Server) Exchange(ctx context.Context, handle *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	name, worldSize, rank, err := parseMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if len(handle.GetValue()) != device.HandleSize {
		return nil, status.Errorf(codes.InvalidArgument, "handle of rank %d has %d bytes, expected %d",
			rank, len(handle.GetValue()), device.HandleSize)
	}

	j, err := s.register(name, worldSize, rank, handle.GetValue())
	if err != nil {
		return nil, err
	}
	all, err := j.done.WaitContext(ctx)
	if err != nil {
		var completed bool
		if all, completed = s.withdraw(name, j, rank); !completed {
			return nil, status.FromContextError(err).Err()
		}
	}
	return wrapperspb.Bytes(all), nil
}

// withdraw removes the rank from a job it stopped waiting for, so it can register again.
// If the job completed in the meantime, it returns the handles instead.
func (s *Server) withdraw(name string, j *job, rank int) (all []byte, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.done.Test() {
		return j.done.Wait(), true
	}
	j.handles[rank] = nil
	j.arrived--
	if j.arrived == 0 && s.jobs[name] == j {
		delete(s.jobs, name)
		klog.V(1).Infof("rendezvous: job %q abandoned", name)
	}
	return nil, false
}

func (s *Server) register(name string, worldSize, rank int, handle []byte) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, found := s.jobs[name]
	if !found {
		j = &job{
			worldSize: worldSize,
			handles:   make([][]byte, worldSize),
			done:      xsync.NewLatchWithValue[[]byte](),
		}
		s.jobs[name] = j
		klog.V(1).Infof("rendezvous: job %q with %d ranks started", name, worldSize)
	}
	if j.worldSize != worldSize {
		return nil, status.Errorf(codes.InvalidArgument, "job %q has world size %d, rank %d sent %d",
			name, j.worldSize, rank, worldSize)
	}
	if j.handles[rank] != nil {
		return nil, status.Errorf(codes.AlreadyExists, "rank %d of job %q already registered", rank, name)
	}
	j.handles[rank] = bytes.Clone(handle)
	j.arrived++
	if j.arrived == worldSize {
		j.done.Trigger(bytes.Join(j.handles, nil))
		delete(s.jobs, name)
		klog.V(1).Infof("rendezvous: job %q complete", name)
	}
	return j, nil
}

// Pending returns the number of jobs waiting for ranks.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func parseMetadata(ctx context.Context) (name string, worldSize, rank int, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) (string, error) {
		values := md.Get(key)
		if len(values) != 1 || values[0] == "" {
			return "", status.Errorf(codes.InvalidArgument, "request must have exactly one %q metadata value", key)
		}
		return values[0], nil
	}
	getInt := func(key string) (int, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "invalid %q metadata value %q", key, v)
		}
		return n, nil
	}
	if name, err = get(MetadataJob); err != nil {
		return
	}
	if worldSize, err = getInt(MetadataWorldSize); err != nil {
		return
	}
	if rank, err = getInt(MetadataRank); err != nil {
		return
	}
	if worldSize < 1 || worldSize > MaxWorldSize {
		err = status.Errorf(codes.InvalidArgument, "world size %d out of range [1, %d]", worldSize, MaxWorldSize)
	} else if rank < 0 || rank >= worldSize {
		err = status.Errorf(codes.InvalidArgument, "rank %d out of range [0, %d)", rank, worldSize)
	}
	return
}
