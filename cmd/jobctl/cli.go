package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nixpig/jobsession/internal/config"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/jobsession"
	"github.com/nixpig/jobsession/internal/registry"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type cli struct {
	cfg     *config.Config
	rt      *jobsession.Runtime
	closer  io.Closer
	logger  *slog.Logger
	connect connectFunc

	// isTerminal reports whether output goes to a terminal.
	isTerminal func(w io.Writer) bool
}

func newCLI() *cli {
	return &cli{
		connect:    connect,
		isTerminal: isTerminal,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *cli) rootCmd() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:          "jobctl",
		Short:        "CLI for running jobs in named job sessions",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}

			c.cfg = cfg

			level := slog.LevelWarn
			if cfg.Debug {
				level = slog.LevelDebug
			}

			c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			backend, store, closer, err := c.connect(cmd.Context(), cfg, c.logger)
			if err != nil {
				return mapError(err)
			}

			c.closer = closer
			c.rt = jobsession.New(
				backend,
				store,
				jobsession.WithLogger(c.logger),
				jobsession.WithPollInterval(cfg.Wait.PollInterval),
			)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			var errs []error

			// Sessions need to remain open for the duration of any child commands.
			if c.rt != nil {
				errs = append(errs, mapError(c.rt.Close(cmd.Context())))
			}

			if c.closer != nil {
				errs = append(errs, c.closer.Close())
			}

			return errors.Join(errs...)
		},
	}

	command.AddCommand(
		c.sessionCmd(),
		c.infoCmd(),
		c.describeCmd(),
		c.submitCmd(),
		c.statusCmd(),
		c.jobsCmd(),
		c.waitCmd(),
		c.reapCmd(),
		c.streamCmd(),
	)

	for _, ctl := range controls {
		command.AddCommand(c.controlCmd(ctl))
	}

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.jobsession/config.yaml)")
	addFlags(command.PersistentFlags())

	return command
}

func (c *cli) sessionCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "session",
		Short: "Manage job sessions",
	}

	command.AddCommand(
		c.sessionCreateCmd(),
		c.sessionListCmd(),
		c.sessionDestroyCmd(),
	)

	return command
}

func (c *cli) sessionCreateCmd() *cobra.Command {
	var (
		contact  string
		attempts int
	)

	command := &cobra.Command{
		Use:     "create [flags] NAME",
		Short:   "Create a job session",
		Example: "  jobctl session create nightly",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				s   *jobsession.Session
				err error
			)

			if attempts > 0 {
				s, err = c.rt.CreateSessionWithRetry(cmd.Context(), args[0], contact, attempts)
			} else {
				s, err = c.rt.CreateSession(cmd.Context(), args[0], contact)
			}

			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), s.Contact())

			return nil
		},
	}

	command.Flags().StringVar(&contact, "contact", "", "Contact of the session (default generated)")
	command.Flags().IntVar(&attempts, "recreate", 0, "Destroy and recreate a broken session up to N times")

	return command
}

func (c *cli) sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List job sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := c.rt.SessionNames(cmd.Context())
			if err != nil {
				return mapError(err)
			}
			defer names.Destroy()

			for _, name := range names.All() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
}

func (c *cli) sessionDestroyCmd() *cobra.Command {
	var all bool

	command := &cobra.Command{
		Use:     "destroy [flags] NAME...",
		Short:   "Destroy job sessions and reap their finished jobs",
		Example: "  jobctl session destroy nightly\n  jobctl session destroy --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("requires session names or --all")
			}

			names := args

			if all {
				list, err := c.rt.SessionNames(cmd.Context())
				if err != nil {
					return mapError(err)
				}
				defer list.Destroy()

				if names, err = list.Values(); err != nil {
					return err
				}
			}

			var errs []error
			for _, name := range names {
				if err := c.rt.DestroySession(cmd.Context(), name); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, mapError(err)))
				}
			}

			return errors.Join(errs...)
		},
	}

	command.Flags().BoolVar(&all, "all", false, "Destroy every session")

	return command
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the resource manager and what it supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			categories, err := c.rt.Backend().JobCategories(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			var caps []string
			for _, capability := range drm.Supported(c.rt.Backend()) {
				caps = append(caps, capability.String())
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "NAME:\t%s\n", c.rt.DRMSName())
			fmt.Fprintf(w, "VERSION:\t%s\n", c.rt.DRMSVersion())
			fmt.Fprintf(w, "CAPABILITIES:\t%s\n", strings.Join(caps, ","))
			fmt.Fprintf(w, "CATEGORIES:\t%s\n", strings.Join(categories, ","))
			fmt.Fprintf(w, "TEMPLATE ATTRIBUTES:\t%s\n", strings.Join(slices.Sorted(maps.Keys(c.rt.JobTemplateAttributes())), ","))
			fmt.Fprintf(w, "INFO ATTRIBUTES:\t%s\n", strings.Join(slices.Sorted(maps.Keys(c.rt.JobInfoAttributes())), ","))

			return w.Flush()
		},
	}
}

func (c *cli) describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "describe ATTRIBUTE...",
		Short:   "Describe implementation specific job attributes",
		Example: "  jobctl describe limits.memoryMaxBytes",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			for _, name := range args {
				desc, err := c.rt.DescribeAttribute(name)
				if err != nil {
					return mapError(err)
				}

				fmt.Fprintf(w, "%s\t%s\n", name, desc)
			}

			return w.Flush()
		},
	}
}

// mapError translates errors to human-readable messages.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, drm.ErrJobNotFound):
		return errors.New("job not found")
	case errors.Is(err, drm.ErrArrayNotFound):
		return errors.New("job array not found")
	case errors.Is(err, registry.ErrSessionNotFound):
		return errors.New("session not found")
	case errors.Is(err, registry.ErrSessionExists):
		return errors.New("session already exists")
	}

	switch drmerr.KindOf(err) {
	case drmerr.KindNone:
		return err
	case drmerr.DeniedByDRM:
		return fmt.Errorf("permission denied: %s", drmerr.Describe(err))
	case drmerr.DRMCommunication:
		return errors.New("server unavailable")
	case drmerr.Timeout:
		return errors.New("timed out")
	default:
		return errors.New(drmerr.Describe(err))
	}
}
