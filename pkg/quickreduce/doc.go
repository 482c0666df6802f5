// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quickreduce implements a low-latency quantized all-reduce (sum) among the devices of one host.
//
// Each participant ("rank") creates a Comms, exports its Handle, and, once the orchestrator distributed
// every rank's Handle to every other rank, imports the peers' handles with OpenHandles. From then on
// AllReduce can be called any number of times: it sums the buffers of all ranks in place, sending the
// data in the representation selected by the codec.Profile of the call.
//
// Example, with the handles exchanged by some external means (see package rendezvous):
//
//	comms, err := quickreduce.Init(worldSize, rank)
//	if err != nil { ... }
//	defer comms.Close()
//	handle, _ := comms.Handle()
//	handles := exchange(handle) // All ranks' handles, in rank order.
//	if err := comms.OpenHandles(handles); err != nil { ... }
//	data := make([]float16.Float16, n)
//	err = quickreduce.AllReduceFlat(comms, codec.FP16, data)
//
// All ranks must call AllReduce in the same sequence, with buffers of the same length and the same
// Algorithm configured. This is not checked: a mismatch yields wrong results or a hang.
//
// AllReduce is not reentrant: calls on the same Comms are serialized.
package quickreduce
