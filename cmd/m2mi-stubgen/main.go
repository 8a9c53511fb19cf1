// Command m2mi-stubgen generates typed M2MI stubs for an interface.
//
// Usage, typically from a go:generate directive:
//
//	m2mi-stubgen -i Chat -o chat_m2mi.go chat.go
package main

import (
	"fmt"
	"os"

	"github.com/raskyld/m2mi/internal/stubgen"
	"github.com/spf13/cobra"
)

type options struct {
	iface  string
	name   string
	output string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "m2mi-stubgen <source.go>",
		Short: "Generate typed M2MI stubs",
		Long: `Generate broadcast, group and single stubs implementing a target
interface declared in the given Go source file.

The interface methods must not return anything. Interfaces it embeds must
be declared in the same file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.iface, "interface", "i", "", "name of the target interface")
	cmd.Flags().StringVar(&opts.name, "name", "", "wire name of the interface (default: <import path>.<interface>)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file path (default: stdout)")
	_ = cmd.MarkFlagRequired("interface")

	return cmd
}

func run(cmd *cobra.Command, opts *options, source string) error {
	out, err := stubgen.Generate(source, nil, stubgen.Options{
		Interface: opts.iface,
		Name:      opts.name,
	})
	if err != nil {
		return err
	}
	if opts.output == "" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	return os.WriteFile(opts.output, out, 0o644)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "m2mi-stubgen:", err)
		os.Exit(1)
	}
}
