package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/vm"
)

func newSnapshotCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage VM snapshots",
	}

	cmd.AddCommand(
		newSnapshotListCommand(a),
		newSnapshotTreeCommand(a),
		newSnapshotCreateCommand(a),
		newSnapshotRevertCommand(a),
		newSnapshotRemoveCommand(a),
	)
	return cmd
}

func newSnapshotListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list VM [VM...]",
		Short: "Print the path of every snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				var current string
				if snap, err := v.CurrentSnapshot(); err == nil {
					current, _ = snap.Path()
				}
				return walkSnapshots(v, func(s *vm.Snapshot, depth int) error {
					p, err := s.Path()
					if err != nil {
						return err
					}
					marker := ""
					if p == current {
						marker = "\t(current)"
					}
					a.printf(cmd.OutOrStdout(), "%s\t%s%s\n", v.Name(), p, marker)
					return nil
				})
			})
		},
	}
}

func newSnapshotTreeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree VM",
		Short: "Print the snapshot tree with descriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				var b strings.Builder
				err := walkSnapshots(v, func(s *vm.Snapshot, depth int) error {
					return writeSnapshotLine(&b, s, depth)
				})
				if err != nil {
					return err
				}
				a.printf(cmd.OutOrStdout(), "%s", b.String())
				return nil
			})
		},
	}
}

func writeSnapshotLine(w io.Writer, s *vm.Snapshot, depth int) error {
	name, err := s.Name()
	if err != nil {
		return err
	}
	description, err := s.Description()
	if err != nil {
		return err
	}
	state, err := s.PowerState()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s%s [%s]", strings.Repeat("  ", depth), name, describePowerState(state))
	if description != "" {
		fmt.Fprintf(w, " %s", description)
	}
	fmt.Fprintln(w)
	return nil
}

// walkSnapshots visits the snapshot tree of v depth-first, parents before
// their children.
func walkSnapshots(v *vm.VM, visit func(*vm.Snapshot, int) error) error {
	roots, err := v.RootSnapshots()
	if err != nil {
		return err
	}
	var walk func(*vm.Snapshot, int) error
	walk = func(s *vm.Snapshot, depth int) error {
		if err := visit(s, depth); err != nil {
			return err
		}
		children, err := s.Children()
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r, 0); err != nil {
			return err
		}
	}
	return nil
}

func newSnapshotCreateCommand(a *app) *cobra.Command {
	var (
		description string
		memory      bool
		quiesce     bool
	)

	cmd := &cobra.Command{
		Use:   "create NAME VM [VM...]",
		Short: "Take a snapshot of VMs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "snapshot.create")
			name := args[0]
			options := 0
			if memory {
				options |= native.SnapshotIncludeMemory
			}
			if quiesce {
				options |= native.SnapshotQuiesce
			}
			return a.eachVM(cmd.Context(), args[1:], func(ctx context.Context, v *vm.VM) error {
				cmdLogger.Info("creating snapshot", "vm", v.Name(), "snapshot", name)
				snap, err := v.CreateSnapshotAsync(name, description, options).Wait(ctx)
				if err != nil {
					return err
				}
				p, err := snap.Path()
				if err != nil {
					return err
				}
				a.println(cmd.OutOrStdout(), v.Name(), p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Snapshot description")
	cmd.Flags().BoolVar(&memory, "memory", false, "Include the memory of a running VM")
	cmd.Flags().BoolVar(&quiesce, "quiesce", false, "Quiesce guest filesystems through the agent first")
	return cmd
}

func newSnapshotRevertCommand(a *app) *cobra.Command {
	var stayOff bool

	cmd := &cobra.Command{
		Use:   "revert NAME VM [VM...]",
		Short: "Revert VMs to a named snapshot",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "snapshot.revert")
			name := args[0]
			options := 0
			if stayOff {
				options |= native.RevertSuppressPowerOn
			}
			return a.eachVM(cmd.Context(), args[1:], func(ctx context.Context, v *vm.VM) error {
				snap, err := v.NamedSnapshot(name)
				if err != nil {
					return err
				}
				cmdLogger.Info("reverting to snapshot", "vm", v.Name(), "snapshot", name)
				if _, err := snap.RevertAsync(options, 0).Wait(ctx); err != nil {
					return err
				}
				a.println(cmd.OutOrStdout(), v.Name(), "reverted to", name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&stayOff, "no-power-on", false, "Leave the VM powered off even if the snapshot was taken running")
	return cmd
}

func newSnapshotRemoveCommand(a *app) *cobra.Command {
	var (
		children  bool
		missingOK bool
	)

	cmd := &cobra.Command{
		Use:   "remove NAME VM [VM...]",
		Short: "Remove a named snapshot",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "snapshot.remove")
			name := args[0]
			options := 0
			if children {
				options |= native.RemoveSnapshotChildren
			}
			return a.eachVM(cmd.Context(), args[1:], func(ctx context.Context, v *vm.VM) error {
				snap, err := v.NamedSnapshot(name)
				if missingOK && job.IsCode(err, native.CodeSnapshotNotFound) {
					cmdLogger.Debug("snapshot already absent", "vm", v.Name(), "snapshot", name)
					return nil
				}
				if err != nil {
					return err
				}
				cmdLogger.Info("removing snapshot", "vm", v.Name(), "snapshot", name, "children", children)
				if _, err := snap.RemoveAsync(options, 0).Wait(ctx); err != nil {
					return err
				}
				a.println(cmd.OutOrStdout(), v.Name(), "removed", name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&children, "children", false, "Also remove every descendant")
	cmd.Flags().BoolVar(&missingOK, "missing-ok", false, "Do not fail when the snapshot does not exist")
	return cmd
}
