// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeader = "// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0\n\n"

func TestAddHeader(t *testing.T) {
	got, changed := addHeader([]byte("package foo\n"), testHeader)
	assert.True(t, changed)
	assert.Equal(t, testHeader+"package foo\n", string(got))

	got, changed = addHeader([]byte("//go:build linux\n\npackage foo\n"), testHeader)
	assert.True(t, changed)
	assert.Equal(t, "//go:build linux\n\n"+testHeader+"package foo\n", string(got))

	original := []byte(testHeader + "package foo\n")
	got, changed = addHeader(original, testHeader)
	assert.False(t, changed)
	assert.Equal(t, original, got)
}

func TestProcessFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foo.go")
	require.NoError(t, os.WriteFile(path, []byte("package foo\n"), 0o600))

	missing, err := processFile(path, testHeader, true)
	require.NoError(t, err)
	assert.True(t, missing)
	content, _ := os.ReadFile(path)
	assert.Equal(t, "package foo\n", string(content), "-check must not change files")

	missing, err = processFile(path, testHeader, false)
	require.NoError(t, err)
	assert.True(t, missing)
	content, _ = os.ReadFile(path)
	assert.Equal(t, testHeader+"package foo\n", string(content))

	missing, err = processFile(path, testHeader, false)
	require.NoError(t, err)
	assert.False(t, missing)
}
