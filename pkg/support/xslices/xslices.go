// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"flag"
	"fmt"
	"strings"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Flag creates a flag for []T with the given name, description and default value.
// It takes as input a parser for an individual T value. Values are comma separated.
func Flag[T any](name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &sliceFlag[T]{
		parsedSlice: defaultValue,
		parserFn:    parserFn,
	}
	flag.Var(f, name, usage)
	return &f.parsedSlice
}

// sliceFlag implements flag.Value for a generic type.
type sliceFlag[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
}

func (f *sliceFlag[T]) String() string {
	return strings.Join(Map(f.parsedSlice, func(e T) string {
		if s, ok := any(e).(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("%v", e)
	}), ",")
}

func (f *sliceFlag[T]) Set(listStr string) error {
	f.parsedSlice = make([]T, 0)
	if listStr == "" {
		return nil
	}
	for _, part := range strings.Split(listStr, ",") {
		v, err := f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		f.parsedSlice = append(f.parsedSlice, v)
	}
	return nil
}
