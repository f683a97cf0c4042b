// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FenceMode selects how the Synchronization Barrier makes communication buffers safe to reuse.
type FenceMode int

const (
	// FenceCollective runs a fence over the communication group at the end of every step, before windows are
	// withdrawn and buffers recycled. It is the default.
	FenceCollective FenceMode = iota

	// FenceLocal ends the step as soon as the local rank consumed all its chunks and its puts completed.
	// Windows and buffers exposed during the step are only released after the opening fence of a later step
	// whose communication group contains every rank of this one (or on Engine.Close), when every peer is known
	// to be done with them.
	//
	// With FenceLocal the caller must not modify the A and B tiles of a step until they are released.
	FenceLocal
)

// String implements fmt.Stringer.
func (m FenceMode) String() string {
	switch m {
	case FenceCollective:
		return "collective"
	case FenceLocal:
		return "local"
	}
	return fmt.Sprintf("FenceMode(%d)", int(m))
}

// Options of the engine.
type Options struct {
	// ChunksPerPeer is the number of chunks (contiguous row bands) in which each peer's piece is split.
	// More chunks allow finer-grained overlap, at the cost of more transfers.
	ChunksPerPeer int

	// FoldWorkers is the parallelism used to fold chunks into C. 0 folds inline in the driver loop,
	// negative values are unlimited.
	FoldWorkers int

	// Cooperative makes the driver loop poll the substrate for completions itself, instead of using a
	// separate progress goroutine.
	Cooperative bool

	// Fence selects the barrier mode.
	Fence FenceMode

	// Metrics, if not nil, are updated at the end of every step.
	Metrics *Metrics
}

// ConfigEnvVar is the name of the environment variable that overrides DefaultConfig.
const ConfigEnvVar = "COSMA_OVERLAP"

// DefaultConfig is the configuration used by New if ConfigEnvVar is not set. See ParseConfig for the format.
var DefaultConfig = ""

// baseOptions are the options before any configuration is applied.
func baseOptions() Options {
	return Options{
		ChunksPerPeer: 1,
		FoldWorkers:   runtime.NumCPU(),
		Fence:         FenceCollective,
	}
}

// ParseConfig parses a comma-separated list of options on top of the default options. Recognized options:
//
//   - chunks=<n>: ChunksPerPeer, n >= 1.
//   - workers=<n>: FoldWorkers.
//   - cooperative or cooperative=<bool>: Cooperative.
//   - fence=collective|local: Fence.
//
// Example: "chunks=2,workers=4,cooperative,fence=local".
func ParseConfig(config string) (Options, error) {
	opts := baseOptions()
	if err := opts.apply(config); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (opts *Options) apply(config string) error {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		switch key {
		case "chunks", "workers":
			if !hasValue {
				return errors.Errorf("overlap config: option %q requires a value", key)
			}
			v, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(err, "overlap config: option %q", part)
			}
			if key == "chunks" {
				if v < 1 {
					return errors.Errorf("overlap config: chunks must be >= 1, got %d", v)
				}
				opts.ChunksPerPeer = v
			} else {
				opts.FoldWorkers = v
			}
		case "cooperative":
			opts.Cooperative = true
			if hasValue {
				v, err := strconv.ParseBool(value)
				if err != nil {
					return errors.Wrapf(err, "overlap config: option %q", part)
				}
				opts.Cooperative = v
			}
		case "fence":
			switch value {
			case "collective":
				opts.Fence = FenceCollective
			case "local":
				opts.Fence = FenceLocal
			default:
				return errors.Errorf("overlap config: invalid fence mode %q, valid values are \"collective\" or \"local\"", value)
			}
		default:
			return errors.Errorf("overlap config: unknown option %q in %q", key, config)
		}
	}
	return nil
}

// Option modifies the Options of an engine.
type Option func(*Options) error

// WithConfig applies a configuration string, see ParseConfig.
func WithConfig(config string) Option {
	return func(opts *Options) error { return opts.apply(config) }
}

// WithChunksPerPeer sets Options.ChunksPerPeer.
func WithChunksPerPeer(n int) Option {
	return func(opts *Options) error {
		if n < 1 {
			return errors.Errorf("ChunksPerPeer must be >= 1, got %d", n)
		}
		opts.ChunksPerPeer = n
		return nil
	}
}

// WithFoldWorkers sets Options.FoldWorkers.
func WithFoldWorkers(n int) Option {
	return func(opts *Options) error {
		opts.FoldWorkers = n
		return nil
	}
}

// WithCooperative sets Options.Cooperative.
func WithCooperative(cooperative bool) Option {
	return func(opts *Options) error {
		opts.Cooperative = cooperative
		return nil
	}
}

// WithFence sets Options.Fence.
func WithFence(mode FenceMode) Option {
	return func(opts *Options) error {
		if mode != FenceCollective && mode != FenceLocal {
			return errors.Errorf("invalid fence mode %s", mode)
		}
		opts.Fence = mode
		return nil
	}
}

// WithMetrics sets Options.Metrics.
func WithMetrics(m *Metrics) Option {
	return func(opts *Options) error {
		opts.Metrics = m
		return nil
	}
}

// resolveOptions applies the configuration from ConfigEnvVar (or DefaultConfig) and then the options.
func resolveOptions(options ...Option) (Options, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		config = DefaultConfig
	}
	opts, err := ParseConfig(config)
	if err != nil {
		return Options{}, errors.WithMessagef(err, "while parsing overlap config %q", config)
	}
	for _, option := range options {
		if err := option(&opts); err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}
