package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/jobsession"
)

type submitOptions struct {
	hold        bool
	env         []string
	workdir     string
	name        string
	output      string
	error       string
	join        bool
	priority    int64
	minSlots    int64
	maxSlots    int64
	deadline    string
	category    string
	array       string
	maxParallel int
}

// template builds the job template for running args with o.
func (o *submitOptions) template(args []string, now time.Time) (*descriptor.JobTemplate, error) {
	jt := descriptor.NewJobTemplate()
	jt.RemoteCommand = args[0]
	jt.Args = container.Of(args[1:]...)
	jt.SubmitAsHold = o.hold
	jt.WorkingDirectory = o.workdir
	jt.JobName = o.name
	jt.OutputPath = o.output
	jt.ErrorPath = o.error
	jt.JoinFiles = o.join
	jt.JobCategory = o.category

	if len(o.env) > 0 {
		env := container.NewDict[string, string](nil)

		for _, kv := range o.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("invalid environment variable %q: want KEY=VALUE", kv)
			}

			env.Set(k, v)
		}

		jt.JobEnvironment = env
	}

	if o.priority != 0 {
		jt.Priority = descriptor.Some(o.priority)
	}

	if o.minSlots > 0 {
		jt.MinSlots = descriptor.Some(o.minSlots)
	}

	if o.maxSlots > 0 {
		jt.MaxSlots = descriptor.Some(o.maxSlots)
	}

	if o.deadline != "" {
		t, err := descriptor.ParseTime(o.deadline, now)
		if err != nil {
			return nil, err
		}

		jt.DeadlineTime = descriptor.Some(t)
	}

	return jt, nil
}

// parseArray parses a job array range given as BEGIN:END[:STEP].
func parseArray(s string, maxParallel int) (drm.BulkRange, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return drm.BulkRange{}, fmt.Errorf("invalid array %q: want BEGIN:END[:STEP]", s)
	}

	if len(parts) == 2 {
		parts = append(parts, "1")
	}

	var n [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return drm.BulkRange{}, fmt.Errorf("invalid array %q: %w", s, err)
		}

		n[i] = v
	}

	r := drm.BulkRange{Begin: n[0], End: n[1], Step: n[2], MaxParallel: maxParallel}

	return r, r.Validate()
}

// parseStates parses job state names.
func parseStates(names []string) ([]descriptor.JobState, error) {
	states := make([]descriptor.JobState, 0, len(names))

	for _, name := range names {
		s, err := descriptor.ParseJobState(name)
		if err != nil {
			return nil, err
		}

		states = append(states, s)
	}

	return states, nil
}

// session opens the configured session, creating it first if create is set.
func (c *cli) session(ctx context.Context, create bool) (*jobsession.Session, error) {
	name := c.cfg.Client.Session

	if create {
		return c.rt.EnsureSession(ctx, name)
	}

	return c.rt.OpenSession(ctx, name)
}

// findJobs returns the jobs with the given IDs from s, in argument order.
func findJobs(ctx context.Context, s *jobsession.Session, ids []string) (*container.List[*jobsession.Job], error) {
	jobs := container.New[*jobsession.Job](nil)

	for _, id := range ids {
		found, err := s.Jobs(ctx, &descriptor.JobInfoFilter{JobID: id})
		if err != nil {
			return nil, err
		}

		j, err := found.Get(0)
		if err != nil {
			return nil, drm.JobNotFound("find job", id)
		}

		jobs.Add(j)
	}

	return jobs, nil
}

func (c *cli) submitCmd() *cobra.Command {
	o := &submitOptions{}

	command := &cobra.Command{
		Use:   "submit [flags] JOB_PROGRAM [JOB_ARGS]",
		Short: "Submit a job or job array",
		Example: "  jobctl submit tail -f server.log\n" +
			"  jobctl submit --array 1:10 --category shell 'echo task $DRMAA2_INDEX'",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jt, err := o.template(args, time.Now())
			if err != nil {
				return err
			}
			defer jt.Destroy()

			s, err := c.session(cmd.Context(), true)
			if err != nil {
				return mapError(err)
			}

			if o.array == "" {
				j, err := s.RunJob(cmd.Context(), jt)
				if err != nil {
					return mapError(err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), j.ID())

				return nil
			}

			r, err := parseArray(o.array, o.maxParallel)
			if err != nil {
				return mapError(err)
			}

			a, err := s.RunBulkJobs(cmd.Context(), jt, r.Begin, r.End, r.Step, r.MaxParallel)
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), a.ID())

			for _, j := range a.Jobs().All() {
				fmt.Fprintln(cmd.OutOrStdout(), j.ID())
			}

			return nil
		},
	}

	// Stop parsing args after first position so that flags passed to the program
	// to run are not interpreted by the jobctl CLI and are passed as-is,
	// e.g. `-f` is an argument to `tail` _not_ to `jobctl submit`:
	//	`jobctl submit tail -f server.log`
	command.Flags().SetInterspersed(false)

	flags := command.Flags()
	flags.BoolVar(&o.hold, "hold", false, "Submit the job held until released")
	flags.StringArrayVarP(&o.env, "env", "e", nil, "Set an environment variable as KEY=VALUE")
	flags.StringVarP(&o.workdir, "workdir", "w", "", "Working directory of the job")
	flags.StringVar(&o.name, "name", "", "Name of the job")
	flags.StringVar(&o.output, "output", "", "File to write the job's output to")
	flags.StringVar(&o.error, "error", "", "File to write the job's error output to")
	flags.BoolVar(&o.join, "join", false, "Write error output to the output file")
	flags.Int64Var(&o.priority, "priority", 0, "Scheduling priority, higher runs first")
	flags.Int64Var(&o.minSlots, "min-slots", 0, "Slots the job needs")
	flags.Int64Var(&o.maxSlots, "max-slots", 0, "Slots the job may use")
	flags.StringVar(&o.deadline, "deadline", "", "Time the job must finish by, RFC 3339 or +DURATION")
	flags.StringVar(&o.category, "category", "", "Job category, e.g. shell")
	flags.StringVar(&o.array, "array", "", "Submit a job array over BEGIN:END[:STEP]")
	flags.IntVar(&o.maxParallel, "max-parallel", 0, "Array tasks to run at once, 0 for no limit")

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status [flags] JOB_ID...",
		Short:   "Query status of jobs",
		Example: "  jobctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context(), false)
			if err != nil {
				return mapError(err)
			}

			jobs, err := findJobs(cmd.Context(), s, args)
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			if c.isTerminal(cmd.OutOrStdout()) {
				fmt.Fprintf(w, "ID\tSTATE\tSUBSTATE\tEXIT CODE\tSIGNAL\t\n")
			}

			for _, j := range jobs.All() {
				info, err := j.Info(cmd.Context())
				if err != nil {
					return mapError(err)
				}

				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\t%s\t\n",
					j.ID(),
					info.State,
					orDash(info.SubState),
					exitCode(info),
					orDash(info.TerminatingSignal),
				)

				info.Destroy()
			}

			return w.Flush()
		},
	}
}

func exitCode(info *descriptor.JobInfo) string {
	code, ok := info.ExitStatus.Get()
	if !ok {
		return "-"
	}

	return strconv.FormatInt(code, 10)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func (c *cli) jobsCmd() *cobra.Command {
	var states []string

	command := &cobra.Command{
		Use:     "jobs [flags]",
		Short:   "List the jobs of the session",
		Example: "  jobctl jobs --state Running --state Queued",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *descriptor.JobInfoFilter

			if len(states) > 0 {
				parsed, err := parseStates(states)
				if err != nil {
					return err
				}

				filter = &descriptor.JobInfoFilter{States: parsed}
			}

			s, err := c.session(cmd.Context(), false)
			if err != nil {
				return mapError(err)
			}

			jobs, err := s.Jobs(cmd.Context(), filter)
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			if c.isTerminal(cmd.OutOrStdout()) {
				fmt.Fprintf(w, "ID\tSTATE\t\n")
			}

			for _, j := range jobs.All() {
				state, _, err := j.State(cmd.Context())
				if err != nil {
					return mapError(err)
				}

				fmt.Fprintf(w, "%s\t%s\t\n", j.ID(), state)
			}

			return w.Flush()
		},
	}

	command.Flags().StringSliceVar(&states, "state", nil, "Only list jobs in these states")

	return command
}

func (c *cli) waitCmd() *cobra.Command {
	var (
		started bool
		timeout string
	)

	command := &cobra.Command{
		Use:   "wait [flags] JOB_ID...",
		Short: "Wait for jobs to terminate, printing each as it does",
		Example: "  jobctl wait 9302033c-f8f7-4b6e-9363-a7aa201cce1b\n" +
			"  jobctl wait --started --timeout 30s 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := descriptor.ParseTimeout(timeout)
			if err != nil {
				return err
			}

			s, err := c.session(cmd.Context(), false)
			if err != nil {
				return mapError(err)
			}

			jobs, err := findJobs(cmd.Context(), s, args)
			if err != nil {
				return mapError(err)
			}

			report := func(j *jobsession.Job) error {
				state, _, err := j.State(cmd.Context())
				if err != nil {
					return mapError(err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", j.ID(), state)

				return nil
			}

			if !started {
				for j, err := range s.Terminated(cmd.Context(), jobs, d) {
					if err != nil {
						return mapError(err)
					}

					if err := report(j); err != nil {
						return err
					}
				}

				return nil
			}

			for jobs.Size() > 0 {
				j, err := s.WaitAnyStarted(cmd.Context(), jobs, d)
				if err != nil {
					return mapError(err)
				}

				if err := report(j); err != nil {
					return err
				}

				jobs.RemoveAt(jobs.IndexFunc(func(x *jobsession.Job) bool { return x == j }))
			}

			return nil
		},
	}

	command.Flags().BoolVar(&started, "started", false, "Wait for jobs to start instead")
	command.Flags().StringVar(&timeout, "timeout", "infinite", "Time to wait for each job: infinite, zero or a duration")

	return command
}

type control struct {
	name  string
	short string
	apply func(*jobsession.Job, context.Context) error
}

var controls = []control{
	{"suspend", "Suspend running jobs", (*jobsession.Job).Suspend},
	{"resume", "Resume suspended jobs", (*jobsession.Job).Resume},
	{"hold", "Hold queued jobs", (*jobsession.Job).Hold},
	{"release", "Release held jobs", (*jobsession.Job).Release},
	{"terminate", "Terminate jobs", (*jobsession.Job).Terminate},
}

func (c *cli) controlCmd(ctl control) *cobra.Command {
	return &cobra.Command{
		Use:     ctl.name + " [flags] JOB_ID...",
		Short:   ctl.short,
		Example: "  jobctl " + ctl.name + " 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context(), false)
			if err != nil {
				return mapError(err)
			}

			jobs, err := findJobs(cmd.Context(), s, args)
			if err != nil {
				return mapError(err)
			}

			var errs []error
			for _, j := range jobs.All() {
				if err := ctl.apply(j, cmd.Context()); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", j.ID(), mapError(err)))
				}
			}

			return errors.Join(errs...)
		},
	}
}

func (c *cli) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "reap [flags] JOB_ID...",
		Short:   "Forget finished jobs",
		Example: "  jobctl reap 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context(), false)
			if err != nil {
				return mapError(err)
			}

			jobs, err := findJobs(cmd.Context(), s, args)
			if err != nil {
				return mapError(err)
			}

			var errs []error
			for _, j := range jobs.All() {
				if err := j.Reap(cmd.Context()); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", j.ID(), mapError(err)))
				}
			}

			return errors.Join(errs...)
		},
	}
}

func (c *cli) streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stream [flags] JOB_ID...",
		Short:   "Stream job output",
		Example: "  jobctl stream 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context(), false)
			if err != nil {
				return mapError(err)
			}

			jobs, err := findJobs(cmd.Context(), s, args)
			if err != nil {
				return mapError(err)
			}

			outputs, err := s.OpenOutputs(cmd.Context(), jobs)
			if err != nil {
				return mapError(err)
			}
			defer outputs.Destroy()

			for _, r := range outputs.All() {
				if _, err := io.Copy(cmd.OutOrStdout(), r); err != nil {
					if cmd.Context().Err() != nil {
						break
					}

					return mapError(err)
				}
			}

			return nil
		},
	}
}
