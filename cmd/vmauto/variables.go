package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/vm"
)

func parseVariableClass(value string) (native.VariableClass, error) {
	switch value {
	case "guest":
		return native.GuestVariable, nil
	case "env":
		return native.GuestEnvironmentVariable, nil
	case "config":
		return native.RuntimeConfigVariable, nil
	default:
		return 0, fmt.Errorf("unknown variable class %q (want guest, env or config)", value)
	}
}

func newVarCommand(a *app) *cobra.Command {
	var class string

	cmd := &cobra.Command{
		Use:   "var",
		Short: "Read and write VM variables",
	}
	cmd.PersistentFlags().StringVar(&class, "class", "guest", "Variable class (guest, env, config)")

	get := &cobra.Command{
		Use:   "get VM NAME",
		Short: "Print a variable; unset variables print an empty line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseVariableClass(class)
			if err != nil {
				return err
			}
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				value, err := v.Variables(c).ReadAsync(args[1]).Wait(ctx)
				if err != nil {
					return err
				}
				a.println(cmd.OutOrStdout(), value)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set VM NAME VALUE",
		Short: "Set a variable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseVariableClass(class)
			if err != nil {
				return err
			}
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				_, err := v.Variables(c).WriteAsync(args[1], args[2]).Wait(ctx)
				return err
			})
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func newScreenshotCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "screenshot VM",
		Short: "Capture the primary display of a running VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "screenshot")
			if output == "" {
				output = args[0] + ".ppm"
			}
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				image, err := v.CaptureScreenImageAsync().Wait(ctx)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, image, 0o644); err != nil {
					return fmt.Errorf("write screenshot: %w", err)
				}
				cmdLogger.Info("screenshot written", "vm", v.Name(), "path", output, "bytes", len(image))
				a.println(cmd.OutOrStdout(), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default VM.ppm)")
	return cmd
}
