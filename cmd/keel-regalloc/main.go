// keel-regalloc runs register allocation over an instruction sequence
// described in a TOML file and prints the allocated sequence, useful for
// inspecting allocator decisions without driving the whole backend.
package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/keelvm/keel/backend"
	"github.com/keelvm/keel/backend/regalloc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "keel-regalloc <sequence.toml>",
		Short: "Run register allocation over an instruction sequence",
		Long: `keel-regalloc reads a TOML description of a register configuration and
an instruction sequence, runs the register allocator over it, and prints
the fully allocated sequence together with the resulting frame layout.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], trace)
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", env.Bool("KEEL_REGALLOC_TRACE"),
		"log every allocation decision to stderr")
	return cmd
}

func run(cmd *cobra.Command, path string, trace bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var in inputFile
	if err := toml.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	seq, config, err := buildSequence(&in)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var opts []regalloc.Option
	if trace {
		log := logrus.New()
		log.SetLevel(logrus.DebugLevel)
		log.SetOutput(cmd.ErrOrStderr())
		opts = append(opts, regalloc.WithLogger(log))
	}

	frame := backend.NewFrame()
	regalloc.Allocate(regalloc.NewAllocationData(config, seq, frame, opts...))

	out := cmd.OutOrStdout()
	fmt.Fprint(out, seq)
	fmt.Fprintf(out, "spill slots: %d\n", frame.SpillSlotCount())
	fmt.Fprintf(out, "general registers: %s\n", frame.AllocatedRegisters(backend.KindGeneral))
	fmt.Fprintf(out, "double registers: %s\n", frame.AllocatedRegisters(backend.KindDouble))
	return nil
}
