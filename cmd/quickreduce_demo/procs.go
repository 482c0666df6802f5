// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/gomlx/quickreduce/pkg/quickreduce"
	"github.com/gomlx/quickreduce/pkg/rendezvous"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// runInProcess runs every rank as a goroutine, exchanging the handles directly.
func runInProcess(job *Job) (err error) {
	group := make([]*quickreduce.Comms, job.WorldSize)
	defer func() {
		var result *multierror.Error
		for _, c := range group {
			if c != nil {
				result = multierror.Append(result, c.Close())
			}
		}
		if err == nil {
			err = result.ErrorOrNil()
		}
	}()
	handles := make([][]byte, job.WorldSize)
	for rank := range group {
		if group[rank], err = job.Config(rank).Done(); err != nil {
			return err
		}
		if handles[rank], err = group[rank].Handle(); err != nil {
			return err
		}
	}

	var g errgroup.Group
	for _, c := range group {
		g.Go(func() error {
			if err := c.OpenHandles(handles); err != nil {
				return err
			}
			return runRank(c, job)
		})
	}
	return g.Wait()
}

// runProcesses starts one worker process per rank, and serves the rendezvous for them.
func runProcesses(job *Job) error {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "failed to listen for the rendezvous server")
	}
	server, _ := rendezvous.NewGRPCServer()
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	encoded, err := job.Marshal()
	if err != nil {
		return err
	}
	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to find the demo executable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for rank := range job.WorldSize {
		cmd := exec.CommandContext(ctx, executable,
			"-worker", "-rank", strconv.Itoa(rank), "-rendezvous", lis.Addr().String())
		cmd.Env = append(os.Environ(), envJob+"="+string(encoded))
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "worker of rank %d failed", rank)
			}
			return nil
		})
	}
	klog.V(1).Infof("started %d workers, rendezvous at %s", job.WorldSize, lis.Addr())
	return g.Wait()
}

// runWorker runs one rank, exchanging the handles through the rendezvous server at address.
func runWorker(job *Job, rank int, address string) error {
	comms, err := job.Config(rank).Done()
	if err != nil {
		return err
	}
	defer func() {
		if err := comms.Close(); err != nil {
			klog.Warningf("rank %d: %v", rank, err)
		}
	}()
	handle, err := comms.Handle()
	if err != nil {
		return err
	}
	client, err := rendezvous.Dial(address)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
	defer cancel()
	handles, err := client.Exchange(ctx, job.Name, job.WorldSize, rank, handle)
	if err != nil {
		return err
	}
	if err = comms.OpenHandles(handles); err != nil {
		return err
	}
	return runRank(comms, job)
}
