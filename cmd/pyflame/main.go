// Command pyflame samples a running (or freshly launched) CPython
// interpreter's call stacks over ptrace and renders them as a folded
// stack or flame-chart trace.
//
// Grounded on the teacher's cli_flags.go/main.go for the flag-parsing
// shape, using the same github.com/peterbourgon/ff/v3 library on top of a
// standard flag.FlagSet. Flag names are single letters, matching the
// getopt-style surface the real historical pyflame tool used.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/output"
	"github.com/uber-archive/pyflame/pkg/sampler"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pyflame", flag.ContinueOnError)
	var (
		pid           = fs.Int("p", 0, "pid of a running process to attach to")
		rate          = fs.Int("r", 100, "samples per second")
		seconds       = fs.Float64("s", 1, "how many seconds to sample for")
		excludeIdle   = fs.Bool("x", false, "exclude idle time from statistics")
		outputPath    = fs.String("o", "", "save output to a file instead of stdout")
		threads       = fs.Bool("t", false, "increase granularity by grouping by thread")
		flameChart    = fs.Bool("flamechart", false, "output in a format suitable for a flame chart")
		noLineNumbers = fs.Bool("n", false, "do not show line numbers")
		abiOverride   = fs.Int("abi", 0, "force an ABI generation instead of auto-detecting (1=2.6/2.7, 2=3.4/3.5, 3=3.6, 4=3.7)")
		dump          = fs.Bool("dump", false, "dump stacks from all threads once instead of sampling for the configured duration")
		debug         = fs.Bool("d", false, "enable debug logging")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("PYFLAME")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	command := fs.Args()
	if *pid == 0 && len(command) == 0 {
		fmt.Fprintln(os.Stderr, "pyflame: either -p PID or a command to launch must be given")
		return 1
	}

	out := os.Stdout
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pyflame: %v\n", err)
			return 1
		}
		defer f.Close()
		out = f
	}

	opts := []sampler.Option{
		sampler.WithSampleRate(*rate),
		sampler.WithDuration(time.Duration(*seconds * float64(time.Second))),
		sampler.WithExcludeIdle(*excludeIdle),
		sampler.WithPerThread(*threads),
		sampler.WithFlameChart(*flameChart),
		sampler.WithNoLineNumbers(*noLineNumbers),
		sampler.WithDump(*dump),
		sampler.WithOutput(out),
	}
	if *pid != 0 {
		opts = append(opts, sampler.WithPID(model.PID(*pid)))
	} else {
		opts = append(opts, sampler.WithCommand(command))
	}
	if abi, ok := abiFromFlag(*abiOverride); ok {
		opts = append(opts, sampler.WithABIOverride(abi))
	}

	cfg := sampler.NewConfig(opts...)
	ctrl, err := sampler.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyflame: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	buckets, err := ctrl.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyflame: %v\n", err)
		return 1
	}

	intervalMicros := int64(time.Second/time.Duration(*rate)) / int64(time.Microsecond)
	if *flameChart {
		err = output.WriteFlameChart(out, buckets, intervalMicros, *noLineNumbers)
	} else {
		err = output.WriteFolded(out, buckets, *noLineNumbers)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyflame: write output: %v\n", err)
		return 1
	}
	return 0
}

func abiFromFlag(v int) (model.ABI, bool) {
	switch v {
	case 1:
		return model.V26, true
	case 2:
		return model.V34, true
	case 3:
		return model.V36, true
	case 4:
		return model.V37, true
	default:
		return model.Unknown, false
	}
}
