// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"strconv"

	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client of the rendezvous service.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// Dial creates a Client connected to the rendezvous server at address (e.g. "localhost:7070").
// Without options, the connection is insecure.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to rendezvous server at %q", address)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClient creates a Client over an existing connection, which remains owned by the caller.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Exchange sends the handle of rank and returns the handles of all worldSize ranks of the job, in rank order.
// It blocks until all ranks sent their handles, or ctx is done.
func (c *Client) Exchange(ctx context.Context, job string, worldSize, rank int, handle []byte) ([][]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataJob, job,
		MetadataWorldSize, strconv.Itoa(worldSize),
		MetadataRank, strconv.Itoa(rank))
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, ExchangeMethod, wrapperspb.Bytes(handle), out); err != nil {
		return nil, errors.Wrapf(err, "rendezvous of rank %d of job %q failed", rank, job)
	}
	all := out.GetValue()
	if len(all) != worldSize*device.HandleSize {
		return nil, errors.Errorf("rendezvous of rank %d of job %q returned %d bytes, expected %d handles of %d bytes",
			rank, job, len(all), worldSize, device.HandleSize)
	}
	handles := make([][]byte, worldSize)
	for r := range handles {
		handles[r] = all[r*device.HandleSize : (r+1)*device.HandleSize]
	}
	return handles, nil
}

// Close the connection, if it was created by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
