// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// copyright_header adds the license header to the Go files missing it.
// With -check it only lists them, and exits with an error if any is found.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProject = flag.String("project", "GoMLX", "Project name to use in the copyright header")
	flagCheck   = flag.Bool("check", false, "Only report the files missing the header, don't change them.")
)

// skippedDirs are not visited: hidden directories are also skipped.
var skippedDirs = map[string]bool{"vendor": true, "_examples": true, "testdata": true}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [path ...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	header := fmt.Sprintf("// Copyright 2023-2026 The %s Authors. SPDX-License-Identifier: Apache-2.0\n\n", *flagProject)
	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"."}
	}
	var missing int
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && (strings.HasPrefix(d.Name(), ".") || skippedDirs[d.Name()]) {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".go") {
				return nil
			}
			updated, err := processFile(path, header, *flagCheck)
			if updated {
				missing++
			}
			return err
		})
		if err != nil {
			klog.Fatalf("Error walking %q: %+v", root, err)
		}
	}
	if *flagCheck && missing > 0 {
		klog.Exitf("%d files missing the copyright header", missing)
	}
}

// processFile adds the header to the file if missing. It returns whether the header was missing.
func processFile(path, header string, checkOnly bool) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read %q", path)
	}
	updated, changed := addHeader(content, header)
	if !changed {
		return false, nil
	}
	if checkOnly {
		klog.Infof("Missing header: %s", path)
		return true, nil
	}
	klog.Infof("Adding header to %s", path)
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		return true, errors.Wrapf(err, "failed to write %q", path)
	}
	return true, nil
}

// maxHeaderLine is the number of lines searched for an existing copyright.
const maxHeaderLine = 50

// addHeader returns content with the header inserted after its build constraints, if no copyright line
// is present in the first lines.
func addHeader(content []byte, header string) ([]byte, bool) {
	lines := bytes.Split(content, []byte("\n"))
	lastBuildTag := -1
	for i, line := range lines {
		if i > maxHeaderLine {
			break
		}
		trimmed := string(bytes.TrimSpace(line))
		if strings.HasPrefix(trimmed, "// Copyright") {
			return content, false
		}
		if strings.HasPrefix(trimmed, "//go:build") || strings.HasPrefix(trimmed, "// +build") {
			lastBuildTag = i
		}
	}
	if lastBuildTag == -1 {
		return append([]byte(header), content...), true
	}
	var buf bytes.Buffer
	buf.Write(bytes.Join(lines[:lastBuildTag+1], []byte("\n")))
	buf.WriteString("\n\n")
	buf.WriteString(header)
	rest := bytes.Join(lines[lastBuildTag+1:], []byte("\n"))
	buf.Write(bytes.TrimLeft(rest, "\n"))
	return buf.Bytes(), true
}
