// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cosma_step runs one overlapped step of a distributed matrix multiplication over an in-process group of ranks,
// verifies the result against a dense multiplication and reports the per-rank stats.
//
// Example:
//
//	cosma_step -m 512 -n 512 -k 1024 -strategy pm2,pk2 -step 1 -latency 200us -repeat 10
//
// Without -step the first parallel step runs: with pm2,pk2 the m-split over all 4 ranks, each rank working with
// the rank at the same offset of the other half.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/overlap"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/gomlx/cosma/ui/commandline"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagM = flag.Int("m", 256, "Number of rows of A and C.")
	flagN = flag.Int("n", 256, "Number of columns of B and C.")
	flagK = flag.Int("k", 256, "Contracting dimension: columns of A and rows of B.")

	flagStrategy = flag.String("strategy", "pm2", "Decomposition strategy, a comma-separated list of steps "+
		"<s|p><m|n|k><divisor>, e.g. \"pm2,sk2,pk2\". The number of ranks is the product of the parallel divisors.")
	flagStep = flag.Int("step", -1, "Index of the parallel step to run. Previous steps are descended: parallel "+
		"steps follow the part of each rank, sequential steps take their first part. "+
		"Defaults to the first parallel step.")
	flagBeta = flag.Float64("beta", 1, "C = beta*C + A·B.")

	flagDType  = flag.String("dtype", "float64", "Element type: float32 or float64.")
	flagKernel = flag.String("kernel", "", fmt.Sprintf("Local GEMM kernel configuration, e.g. \"blocked:workers=4\". "+
		"If empty, it is read from $%s or defaults to %q.", gemm.ConfigEnvVar, gemm.DefaultConfig))
	flagConfig = flag.String("config", "", fmt.Sprintf("Overlap engine configuration, e.g. \"chunks=4,fence=local\". "+
		"Applied on top of $%s.", overlap.ConfigEnvVar))

	flagLatency = flag.Duration("latency", 0, "Simulated latency of every one-sided transfer. "+
		"A random jitter of up to the same amount is added.")
	flagSeed   = flag.Uint64("seed", 42, "Seed of the random matrices.")
	flagRepeat = flag.Int("repeat", 1, "Number of times to run the step, reusing the engines.")
	flagVerify = flag.Bool("verify", true, "Verify the result against a dense multiplication with gonum.")
	flagPlain  = flag.Bool("plain", false, "Plain output: no colors or terminal escape sequences.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	commandline.SetPlain(*flagPlain)

	err := exceptions.TryCatch[error](func() {
		strat := must.M1(strategy.Parse(*flagM, *flagN, *flagK, numRanks(*flagStrategy), *flagStrategy))
		stepIndex := *flagStep
		if stepIndex < 0 {
			stepIndex = firstParallelStep(strat)
		}
		cfg := config{
			strat:     strat,
			stepIndex: stepIndex,
			beta:      *flagBeta,
			kernel:    *flagKernel,
			overlap:   *flagConfig,
			latency:   *flagLatency,
			seed:      *flagSeed,
			repeat:    *flagRepeat,
			verify:    *flagVerify,
			plain:     *flagPlain,
		}
		reportConfig(cfg)
		var res *result
		switch *flagDType {
		case "float32":
			res = must.M1(run[float32](cfg))
		case "float64":
			res = must.M1(run[float64](cfg))
		default:
			exceptions.Panicf("unknown -dtype %q, expected float32 or float64", *flagDType)
		}
		reportResult(cfg, res)
		if res.mismatches > 0 {
			exceptions.Panicf("verification failed: %d values differ from the dense multiplication", res.mismatches)
		}
	})
	if err != nil {
		klog.Errorf("cosma_step failed: %+v", err)
		os.Exit(1)
	}
}

// config of one invocation.
type config struct {
	strat     *strategy.Strategy
	stepIndex int
	beta      float64
	kernel    string
	overlap   string
	latency   time.Duration
	seed      uint64
	repeat    int
	verify    bool
	plain     bool
}
