// Command rootsim runs the ROOT-Sim kernel against the PHOLD synthetic
// model's event handler, linked in at compile time (the ABI the
// specification names is a Go interface, not a dynamically loaded shim).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/kernel"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/klog"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/phold"
)

type options struct {
	workers    int
	lps        int
	regionSize int
	gvtPeriod  time.Duration
	ckptPeriod int
	input      string

	meanDelay  float64
	remoteProb float64
	maxEvents  uint64
}

func main() {
	var o options

	root := &cobra.Command{
		Use:   "rootsim",
		Short: "Optimistic parallel discrete-event simulation kernel",
		Long: `rootsim runs a Time Warp synchronized discrete-event simulation: one
goroutine-backed worker per --np, statically owning a share of the
--lp logical processes, dispatching events speculatively and rolling
back on stragglers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().IntVar(&o.workers, "np", 1, "number of worker goroutines")
	root.Flags().IntVarP(&o.lps, "lp", "n", 1, "number of logical processes")
	root.Flags().IntVar(&o.regionSize, "region-size", 1<<20, "bytes reserved per LP's memory region")
	root.Flags().DurationVar(&o.gvtPeriod, "gvt-period", 50*time.Millisecond, "target interval between GVT reduction rounds")
	root.Flags().IntVar(&o.ckptPeriod, "ckpt-period", 10, "events between full checkpoints (1 = every event)")
	root.Flags().StringVar(&o.input, "input", "", "path to a file passed verbatim as the INIT event payload")

	root.Flags().Float64Var(&o.meanDelay, "phold-mean-delay", 1.0, "PHOLD: mean holding time between token forwards")
	root.Flags().Float64Var(&o.remoteProb, "phold-remote-prob", 0.9, "PHOLD: probability a forward targets a different LP")
	root.Flags().Uint64Var(&o.maxEvents, "phold-max-events", 1000, "PHOLD: forwards per LP before it terminates (0 = unbounded)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	logger := klog.New(os.Stderr)

	var input []byte
	if o.input != "" {
		b, err := os.ReadFile(o.input)
		if err != nil {
			return err
		}
		input = b
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := kernel.DefaultConfig()
	cfg.Workers = o.workers
	cfg.LPs = o.lps
	cfg.RegionSize = o.regionSize
	cfg.GVTPeriod = o.gvtPeriod
	cfg.CkptPeriod = o.ckptPeriod
	cfg.Input = input

	handler := phold.New(phold.Config{
		MeanDelay:         o.meanDelay,
		RemoteProbability: o.remoteProb,
		MaxEvents:         o.maxEvents,
	})

	k := kernel.New(cfg, handler, logger)
	return k.Run(ctx)
}
