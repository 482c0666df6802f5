// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// quickreduce_demo reduces a buffer of constant values among a group of ranks, and prints the results.
//
// By default, all ranks run as goroutines of this process. With -procs, one worker process is started per
// rank, and the handles are exchanged through a rendezvous gRPC server run by this process.
package main

import (
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/quickreduce/pkg/core/dtypes"
	"github.com/gomlx/quickreduce/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/quickreduce/pkg/quickreduce"
	"github.com/gomlx/quickreduce/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

var (
	flagJob        = flag.String("job", "", "YAML file with the job description. Flags explicitly set override its values.")
	flagName       = flag.String("name", "demo", "Name of the job, used in the rendezvous.")
	flagWorldSize  = flag.Int("world_size", 4, "Number of ranks: 2, 4 or 8.")
	flagProfile    = flag.String("profile", "fp16", "Reduction profile: fp16, fp8, q8, q6 or q4 (or the codes 1 to 5).")
	flagAlgorithm  = flag.String("algorithm", "twoshot", "Reduction algorithm: twoshot or oneshot.")
	flagDType      = flag.String("dtype", "float16", "Data type of the buffers: float16, bfloat16 or float32.")
	flagElements   = flag.Int("elements", 1024, "Number of elements of the buffers.")
	flagIterations = flag.Int("iterations", 1, "Number of AllReduce calls.")
	flagValue      = flag.Float64("value", 1, "Value of every element of every rank's buffer.")
	flagMaxSize    = flag.String("max_size", "", "Maximum problem size, e.g. \"64MiB\". Defaults to $QUICKREDUCE_MAX_SIZE or 512MiB.")

	flagProcs       = flag.Bool("procs", false, "Run one worker process per rank, instead of goroutines.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, serve Prometheus metrics on this address, e.g. \":9090\".")
	flagLinger      = flag.Duration("linger", 0, "Time to keep serving metrics after the run.")

	// Set by the parent process on its workers.
	flagWorker     = flag.Bool("worker", false, "Internal: run as the worker of one rank.")
	flagRank       = flag.Int("rank", -1, "Internal: rank of the worker.")
	flagRendezvous = flag.String("rendezvous", "", "Internal: address of the rendezvous server.")
)

// envJob carries the job description from the parent process to its workers.
const envJob = "QUICKREDUCE_DEMO_JOB"

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](func() {
		job := must.M1(jobFromFlags())
		must.M(job.Validate())
		switch {
		case *flagWorker:
			must.M(runWorker(job, *flagRank, *flagRendezvous))
		case *flagProcs:
			must.M(runProcesses(job))
		default:
			stop := serveMetrics()
			must.M(runInProcess(job))
			stop()
		}
	})
	if err != nil {
		klog.Exitf("quickreduce_demo failed: %+v", err)
	}
}

// jobFromFlags creates the job from $QUICKREDUCE_DEMO_JOB (workers), from -job or from the defaults, and
// applies the flags explicitly set.
func jobFromFlags() (*Job, error) {
	job := DefaultJob()
	if encoded := os.Getenv(envJob); *flagWorker && encoded != "" {
		if err := yaml.UnmarshalStrict([]byte(encoded), job); err != nil {
			return nil, errors.WithMessagef(err, "invalid $%s", envJob)
		}
		return job, nil
	}
	if *flagJob != "" {
		var err error
		if job, err = LoadJob(*flagJob); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			job.Name = *flagName
		case "world_size":
			job.WorldSize = *flagWorldSize
		case "profile":
			job.Profile = *flagProfile
		case "algorithm":
			job.Algorithm = *flagAlgorithm
		case "dtype":
			job.DType = *flagDType
		case "elements":
			job.Elements = *flagElements
		case "iterations":
			job.Iterations = *flagIterations
		case "value":
			job.Value = *flagValue
		case "max_size":
			job.MaxProblemSize = *flagMaxSize
		}
	})
	return job, nil
}

func serveMetrics() (stop func()) {
	if *flagMetricsAddr == "" {
		return func() {}
	}
	must.M(quickreduce.RegisterMetrics(prometheus.DefaultRegisterer))
	server := &http.Server{Addr: *flagMetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server failed: %v", err)
		}
	}()
	klog.Infof("serving metrics on %s/metrics", *flagMetricsAddr)
	return func() {
		time.Sleep(*flagLinger)
		_ = server.Close()
	}
}

// runRank runs the job iterations on an initialized Comms and checks the result.
func runRank(c *quickreduce.Comms, job *Job) error {
	switch job.dtype {
	case dtypes.Float16:
		return runTyped[float16.Float16](c, job)
	case dtypes.BFloat16:
		return runTyped[bfloat16.BFloat16](c, job)
	default:
		return runTyped[float32](c, job)
	}
}

func runTyped[T dtypes.Supported](c *quickreduce.Comms, job *Job) error {
	values := xslices.SliceWithValue(job.Elements, float32(job.Value))
	buf := make([]T, job.Elements)
	var elapsed time.Duration
	for range job.Iterations {
		dtypes.FromFloat32(buf, values)
		start := time.Now()
		if err := quickreduce.AllReduceFlat(c, job.profile, buf); err != nil {
			return err
		}
		elapsed += time.Since(start)
	}
	result := make([]float32, job.Elements)
	dtypes.ToFloat32(result, buf)
	fmt.Printf("Demo %d got result %s (%s, %d iterations, %s per call)\n", c.Rank(), summarize(result),
		job.profile, job.Iterations, elapsed/time.Duration(job.Iterations))

	want := float64(job.WorldSize) * job.Value
	tol := job.Tolerance()
	for i, v := range result {
		if math.Abs(float64(v)-want) > tol {
			return errors.Errorf("rank %d: element %d is %g, expected %g ± %g", c.Rank(), i, v, want, tol)
		}
	}
	return nil
}

// summarize prints the first and last elements of values.
func summarize(values []float32) string {
	if len(values) <= 6 {
		return fmt.Sprint(values)
	}
	n := len(values)
	return fmt.Sprintf("[%g %g %g ... %g %g %g]", values[0], values[1], values[2], values[n-3], values[n-2], values[n-1])
}
