// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/quickreduce/pkg/core/dtypes"
	"github.com/gomlx/quickreduce/pkg/quickreduce"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/gomlx/quickreduce/pkg/support/fsutil"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Job describes a demo run. It can be loaded from a YAML file with -job.
type Job struct {
	Name           string  `json:"name"`
	WorldSize      int     `json:"worldSize"`
	Profile        string  `json:"profile"`
	Algorithm      string  `json:"algorithm"`
	DType          string  `json:"dtype"`
	Elements       int     `json:"elements"`
	Iterations     int     `json:"iterations"`
	Value          float64 `json:"value"`
	MaxProblemSize string  `json:"maxProblemSize,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`

	// Parsed values, set by Validate.
	profile   codec.Profile
	algorithm quickreduce.Algorithm
	dtype     dtypes.DType
	maxSize   int
	timeout   time.Duration
}

// DefaultJob reduces 1024 ones in float16 among 4 ranks.
func DefaultJob() *Job {
	return &Job{
		Name:       "demo",
		WorldSize:  4,
		Profile:    "FP16",
		Algorithm:  "twoshot",
		DType:      "float16",
		Elements:   1024,
		Iterations: 1,
		Value:      1,
		Timeout:    "1m",
	}
}

// LoadJob reads a job from a YAML file. Missing fields take the values of DefaultJob.
func LoadJob(filePath string) (*Job, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job file")
	}
	job := DefaultJob()
	if err = yaml.UnmarshalStrict(contents, job); err != nil {
		return nil, errors.Wrapf(err, "failed to parse job file %q", filePath)
	}
	return job, nil
}

// Validate checks and parses the job fields.
func (j *Job) Validate() error {
	var err error
	if j.Name == "" {
		return errors.New("job name must be set")
	}
	if j.profile, err = codec.ParseProfile(j.Profile); err != nil {
		return err
	}
	if j.algorithm, err = quickreduce.ParseAlgorithm(j.Algorithm); err != nil {
		return err
	}
	if j.dtype, err = dtypes.Parse(j.DType); err != nil {
		return err
	}
	if j.Elements < 0 || j.Iterations < 1 {
		return errors.Errorf("invalid job: elements=%d and iterations=%d", j.Elements, j.Iterations)
	}
	j.maxSize = quickreduce.DefaultMaxProblemSize
	if j.MaxProblemSize != "" {
		size, err := humanize.ParseBytes(j.MaxProblemSize)
		if err != nil {
			return errors.Wrapf(err, "invalid maxProblemSize %q", j.MaxProblemSize)
		}
		j.maxSize = int(size)
	}
	j.timeout = time.Minute
	if j.Timeout != "" {
		if j.timeout, err = time.ParseDuration(j.Timeout); err != nil {
			return errors.Wrapf(err, "invalid timeout %q", j.Timeout)
		}
	}
	return nil
}

// Config returns the quickreduce configuration for rank.
func (j *Job) Config(rank int) *quickreduce.Config {
	return quickreduce.Build(j.WorldSize, rank).MaxProblemSize(j.maxSize).Algorithm(j.algorithm)
}

// Tolerance is the maximum expected error of each element of the result.
func (j *Job) Tolerance() float64 {
	cdc, err := codec.ForProfile(j.profile)
	if err != nil {
		return 0
	}
	w := float64(j.WorldSize)
	sum := w * j.Value
	if sum < 0 {
		sum = -sum
	}
	tol := w*cdc.Bound(sum/w) + cdc.Bound(sum) + sum/1024
	if j.dtype == dtypes.BFloat16 {
		tol += sum / 128
	}
	return tol
}

// Marshal returns the YAML representation of the job.
func (j *Job) Marshal() ([]byte, error) {
	return yaml.Marshal(j)
}
