package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/vm"
)

var powerStateNames = []struct {
	bit  int64
	name string
}{
	{native.PowerStatePoweringOff, "powering-off"},
	{native.PowerStatePoweredOff, "off"},
	{native.PowerStatePoweringOn, "powering-on"},
	{native.PowerStatePoweredOn, "on"},
	{native.PowerStateSuspending, "suspending"},
	{native.PowerStateSuspended, "suspended"},
	{native.PowerStateToolsActive, "tools-active"},
	{native.PowerStateResetting, "resetting"},
	{native.PowerStateBlocked, "blocked"},
	{native.PowerStatePaused, "paused"},
}

// describePowerState renders the set bits of state, e.g. "on,tools-active".
func describePowerState(state int64) string {
	var parts []string
	for _, s := range powerStateNames {
		if state&s.bit != 0 {
			parts = append(parts, s.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ",")
}

func describeToolsState(state int64) string {
	switch state {
	case native.ToolsStateRunning:
		return "running"
	case native.ToolsStateNotRunning:
		return "not-running"
	default:
		return "unknown"
	}
}

func newPowerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Change or inspect the power state of VMs",
	}

	cmd.AddCommand(
		newPowerActionCommand(a, "on", "Power on VMs", func(ctx context.Context, v *vm.VM, soft bool) error {
			_, err := v.PowerOnAsync(0).Wait(ctx)
			return err
		}),
		newPowerActionCommand(a, "off", "Power off VMs", func(ctx context.Context, v *vm.VM, soft bool) error {
			_, err := v.PowerOffAsync(softOption(soft)).Wait(ctx)
			return err
		}),
		newPowerActionCommand(a, "reset", "Reset VMs", func(ctx context.Context, v *vm.VM, soft bool) error {
			_, err := v.ResetAsync(softOption(soft)).Wait(ctx)
			return err
		}),
		newPowerActionCommand(a, "suspend", "Save VM state to disk and stop them", func(ctx context.Context, v *vm.VM, _ bool) error {
			_, err := v.SuspendAsync().Wait(ctx)
			return err
		}),
		newPowerActionCommand(a, "pause", "Pause VMs in memory", func(ctx context.Context, v *vm.VM, _ bool) error {
			_, err := v.PauseAsync().Wait(ctx)
			return err
		}),
		newPowerActionCommand(a, "unpause", "Resume paused VMs", func(ctx context.Context, v *vm.VM, _ bool) error {
			_, err := v.UnpauseAsync().Wait(ctx)
			return err
		}),
		newPowerStateCommand(a),
	)
	return cmd
}

func softOption(soft bool) int {
	if soft {
		return native.PowerOpSoft
	}
	return 0
}

func newPowerActionCommand(a *app, use, short string, action func(context.Context, *vm.VM, bool) error) *cobra.Command {
	var soft bool

	cmd := &cobra.Command{
		Use:   use + " VM [VM...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "power."+use)
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				cmdLogger.Info("changing power state", "vm", v.Name())
				if err := action(ctx, v, soft); err != nil {
					return err
				}
				a.println(cmd.OutOrStdout(), v.Name(), use)
				return nil
			})
		},
	}
	if use == "off" || use == "reset" {
		cmd.Flags().BoolVar(&soft, "soft", false, "Ask the guest to shut down instead of cutting power")
	}
	return cmd
}

func newPowerStateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state VM [VM...]",
		Short: "Print power and guest agent state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				power, err := v.PowerState()
				if err != nil {
					return err
				}
				tools, err := v.ToolsState()
				if err != nil {
					return err
				}
				a.printf(cmd.OutOrStdout(), "%s\tpower=%s\ttools=%s\n", v.Name(), describePowerState(power), describeToolsState(tools))
				return nil
			})
		},
	}
}
