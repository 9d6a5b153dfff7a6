package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
	"github.com/cochaviz/vmauto/internal/vm"
)

// guestFlags are shared by the guest subcommands. Unset credentials fall
// back to the guest section of the configuration.
type guestFlags struct {
	username string
	password string
	start    bool
}

func (g *guestFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&g.username, "user", "", "Guest user to run as (default from configuration)")
	cmd.PersistentFlags().StringVar(&g.password, "password", "", "Guest password (default from configuration)")
	cmd.PersistentFlags().BoolVar(&g.start, "start", false, "Power the VM on first if it is not running")
}

// readySteps brings v to a state where the guest agent answers: powered
// on when requested, then waiting for tools.
func readySteps(v *vm.VM, creds *guestFlags, tools time.Duration) []task.Step {
	var steps []task.Step
	if creds.start {
		steps = append(steps, v.PowerOnStep(0))
	}
	return append(steps, v.WaitForToolsStep(tools))
}

// inSession brings the guest up, logs into v and keeps the session for the
// duration of fn.
func (a *app) inSession(ctx context.Context, creds *guestFlags, v *vm.VM, fn func() error) error {
	username, password := creds.username, creds.password
	if username == "" {
		username, password = a.cfg.Guest.Username, a.cfg.Guest.Password
	}
	if username == "" {
		return fmt.Errorf("no guest user: pass --user or set guest.username")
	}
	steps := append(readySteps(v, creds, 0), v.LoginStep(username, password))
	if _, err := v.Sequence(steps...).Wait(ctx); err != nil {
		return err
	}
	defer func() {
		if err := v.Logout(); err != nil {
			a.logger.Warn("guest logout failed", "vm", v.Name(), "error", err)
		}
	}()
	return fn()
}

func newGuestCommand(a *app) *cobra.Command {
	creds := &guestFlags{}

	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Operate on files and processes inside running VMs",
	}
	creds.register(cmd)

	cmd.AddCommand(
		newGuestWaitToolsCommand(a, creds),
		newGuestListCommand(a, creds),
		newGuestProcessesCommand(a, creds),
		newGuestRunCommand(a, creds),
		newGuestKillCommand(a, creds),
		newGuestCopyInCommand(a, creds),
		newGuestCopyOutCommand(a, creds),
		newGuestMkdirCommand(a, creds),
		newGuestRemoveCommand(a, creds),
	)
	return cmd
}

func newGuestWaitToolsCommand(a *app, creds *guestFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait-tools VM [VM...]",
		Short: "Block until the guest agent answers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				if _, err := v.Sequence(readySteps(v, creds, timeout)...).Wait(ctx); err != nil {
					return err
				}
				a.println(cmd.OutOrStdout(), v.Name(), "tools running")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait (default from configuration)")
	return cmd
}

func newGuestListCommand(a *app, creds *guestFlags) *cobra.Command {
	var (
		recursive bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ls VM DIR",
		Short: "List a guest directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					files, err := v.ListDirectoryAsync(args[1], recursive, timeout).Wait(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					for _, f := range files {
						kind := "-"
						if f.IsDir() {
							kind = "d"
						}
						fmt.Fprintf(out, "%s %10d %s %s\n", kind, f.Size, f.ModTime.Format(time.DateTime), f.Path)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Timeout per directory (default from configuration)")
	return cmd
}

func newGuestProcessesCommand(a *app, creds *guestFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ps VM",
		Short: "List guest processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args, func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					procs, err := v.ListProcessesAsync().Wait(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					for _, p := range procs {
						fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", p.PID, p.Owner, p.StartTime.Format(time.DateTime), p.Command)
					}
					return nil
				})
			})
		},
	}
}

func newGuestRunCommand(a *app, creds *guestFlags) *cobra.Command {
	var (
		detach      bool
		interpreter string
	)

	cmd := &cobra.Command{
		Use:   "run VM PROGRAM [ARG...]",
		Short: "Run a program in the guest; with --script, PROGRAM is the script text",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "guest.run")
			options := 0
			if detach {
				options |= native.RunProgramReturnNow
			}
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					var (
						res vm.ProgramResult
						err error
					)
					if interpreter != "" {
						script := strings.Join(args[1:], " ")
						cmdLogger.Debug("running script", "vm", v.Name(), "interpreter", interpreter)
						res, err = v.RunScriptAsync(interpreter, script, options).Wait(ctx)
					} else {
						cmdLogger.Debug("running program", "vm", v.Name(), "program", args[1])
						res, err = v.RunProgramAsync(args[1], args[2:], options).Wait(ctx)
					}
					if err != nil {
						return err
					}
					if detach {
						a.println(cmd.OutOrStdout(), "pid", res.PID)
						return nil
					}
					a.printf(cmd.OutOrStdout(), "pid %d exited %d after %s\n", res.PID, res.ExitCode, res.Elapsed)
					if res.ExitCode != 0 {
						return fmt.Errorf("guest program exited with code %d", res.ExitCode)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "Return as soon as the program started")
	cmd.Flags().StringVar(&interpreter, "script", "", "Run the arguments as a script with this interpreter")
	return cmd
}

func newGuestKillCommand(a *app, creds *guestFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill VM PID",
		Short: "Terminate a guest process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[1], err)
			}
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					_, err := v.KillProcessAsync(pid).Wait(ctx)
					return err
				})
			})
		},
	}
}

func newGuestCopyInCommand(a *app, creds *guestFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cp-in VM HOST_PATH GUEST_PATH",
		Short: "Copy a host file into the guest",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					_, err := v.CopyFileToGuestAsync(args[1], args[2]).Wait(ctx)
					return err
				})
			})
		},
	}
}

func newGuestCopyOutCommand(a *app, creds *guestFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cp-out VM GUEST_PATH HOST_PATH",
		Short: "Copy a guest file to the host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					_, err := v.CopyFileFromGuestAsync(args[1], args[2]).Wait(ctx)
					return err
				})
			})
		},
	}
}

func newGuestMkdirCommand(a *app, creds *guestFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir VM GUEST_PATH",
		Short: "Create a guest directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					_, err := v.CreateDirectoryAsync(args[1]).Wait(ctx)
					return err
				})
			})
		},
	}
}

func newGuestRemoveCommand(a *app, creds *guestFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm VM GUEST_PATH",
		Short: "Remove a guest file or directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachVM(cmd.Context(), args[:1], func(ctx context.Context, v *vm.VM) error {
				return a.inSession(ctx, creds, v, func() error {
					isDir, err := v.DirectoryExistsAsync(args[1]).Wait(ctx)
					if err != nil {
						return err
					}
					if isDir {
						_, err = v.DeleteDirectoryAsync(args[1]).Wait(ctx)
					} else {
						_, err = v.DeleteFileAsync(args[1]).Wait(ctx)
					}
					return err
				})
			})
		},
	}
}
