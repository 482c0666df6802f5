// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// quickreduce_bench measures the latency and the error of AllReduce for several world sizes, problem
// sizes and profiles, with all ranks running in this process.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/quickreduce/pkg/quickreduce"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/gomlx/quickreduce/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagWorldSizes = xslices.Flag("world_sizes", []int{2, 4, 8}, "Comma-separated list of world sizes.", strconv.Atoi)
	flagSizes      = xslices.Flag("sizes", []uint64{64 << 10, 1 << 20, 16 << 20},
		"Comma-separated list of problem sizes in bytes (as float16), e.g. \"1MiB,16MiB\".", humanize.ParseBytes)
	flagProfiles = xslices.Flag("profiles", codec.Profiles,
		"Comma-separated list of profiles: fp16, fp8, q8, q6, q4.", codec.ParseProfile)
	flagAlgorithm = flag.String("algorithm", "twoshot", "Reduction algorithm: twoshot or oneshot.")
	flagWarmup    = flag.Int("warmup", 5, "Number of AllReduce calls before measuring.")
	flagTrials    = flag.Int("trials", 20, "Number of measured AllReduce calls.")
	flagInit      = flag.String("init", "random", "Input data: \"random\" values in [-0.5, 0.5) or \"fixed\" integers (rank+i)%23.")
	flagPlot      = flag.String("plot", "", "If set, saves a plot of latency per problem size to this file (.png, .svg or .pdf).")
	flagNoBar     = flag.Bool("no_bar", false, "Disables the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](func() {
		algorithm := must.M1(quickreduce.ParseAlgorithm(*flagAlgorithm))
		if *flagInit != "random" && *flagInit != "fixed" {
			exceptions.Panicf("invalid -init=%q, valid values are \"random\" and \"fixed\"", *flagInit)
		}
		b := &bench{
			algorithm: algorithm,
			warmup:    *flagWarmup,
			trials:    max(*flagTrials, 1),
			random:    *flagInit == "random",
		}
		total := len(*flagWorldSizes) * len(*flagSizes) * len(*flagProfiles)
		if !*flagNoBar {
			out := termenv.NewOutput(os.Stderr)
			out.HideCursor()
			defer out.ShowCursor()
			b.bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Benchmarking"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
				progressbar.OptionClearOnFinish())
		}
		var results []result
		for _, worldSize := range *flagWorldSizes {
			for _, size := range *flagSizes {
				results = append(results, must.M1(b.run(worldSize, int(size), *flagProfiles))...)
			}
		}
		if b.bar != nil {
			_ = b.bar.Finish()
		}
		fmt.Println(renderResults(results))
		if *flagPlot != "" {
			must.M(plotResults(results, *flagPlot))
			fmt.Printf("Latency plot saved to %q\n", *flagPlot)
		}
	})
	if err != nil {
		klog.Exitf("quickreduce_bench failed: %+v", err)
	}
}
