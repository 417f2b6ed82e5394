package local

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm/local/cgroups"
	"github.com/nixpig/jobsession/internal/drm/local/output"
)

// RequeueExitCode is the exit code with which a rerunnable job asks to be
// requeued. The job is requeued on hold.
const RequeueExitCode = 100

// Job is a job known to a Manager. Its state can be read without locking;
// every other mutable field is guarded by the Manager's mutex.
type Job struct {
	id       string
	session  string
	arrayID  string
	index    descriptor.Optional[int64]
	template *descriptor.JobTemplate

	seq       uint64
	priority  int64
	slots     int64
	limits    cgroups.ResourceLimits
	wallclock time.Duration

	state       AtomicJobState
	interrupted atomic.Bool

	subState   string
	annotation string

	submitted  time.Time
	dispatched descriptor.Optional[time.Time]
	finished   descriptor.Optional[time.Time]

	exitStatus descriptor.Optional[int64]
	signal     string
	cpuTime    descriptor.Optional[int64]

	runs   int
	run    *run
	timers []*time.Timer

	done chan struct{}
}

// ID returns the ID of the Job.
func (j *Job) ID() string {
	return j.id
}

// State returns the state of the Job.
func (j *Job) State() descriptor.JobState {
	return j.state.Load()
}

// Done returns a channel that is closed when the Job reaches a terminal
// state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// info returns a snapshot of the Job. Wallclock time is only reported once
// the Job has finished.
func (j *Job) info(host, owner string) *descriptor.JobInfo {
	info := &descriptor.JobInfo{
		JobID:             j.id,
		ExitStatus:        j.exitStatus,
		TerminatingSignal: j.signal,
		Annotation:        j.annotation,
		State:             j.state.Load(),
		SubState:          j.subState,
		SubmissionMachine: host,
		JobOwner:          owner,
		QueueName:         j.template.QueueName,
		CPUTime:           j.cpuTime,
		SubmissionTime:    descriptor.Some(j.submitted),
		DispatchTime:      j.dispatched,
		FinishTime:        j.finished,
	}

	if dispatched, ok := j.dispatched.Get(); ok {
		info.AllocatedMachines = container.Of(host)
		info.Slots = descriptor.Some(j.slots)
		if finished, ok := j.finished.Get(); ok {
			info.WallclockTime = descriptor.Some(finished.Sub(dispatched))
		}
	}

	ext := &InfoExtension{
		Interrupted: j.interrupted.Load(),
		Runs:        j.runs,
	}

	if j.run != nil {
		ext.PID = j.run.cmd.Process.Pid
		if j.run.cgroup != nil && !j.state.Load().IsTerminal() {
			ext.CgroupPath = j.run.cgroup.Path()
		}
	}

	info.Extension = ext

	return info
}

type runConfig struct {
	prefix     []string
	homeDir    string
	cgroupRoot string
}

// run is a single execution of a Job's process. A rerunnable Job that is
// requeued gets a new run each time it is dispatched.
type run struct {
	cmd      *exec.Cmd
	cgroup   *cgroups.Cgroup
	streamer *output.Streamer
	timer    *time.Timer

	exited chan struct{}
}

// startRun starts the Job's process. Placeholders in the command, arguments
// and paths of the template are expanded first.
func (j *Job) startRun(cfg runConfig) (_ *run, err error) {
	jt := j.template

	p := descriptor.Placeholders{HomeDir: cfg.homeDir, Index: j.index}

	wd := descriptor.ExpandPlaceholders(descriptor.StripHost(jt.WorkingDirectory), p)
	if wd == "" {
		if wd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("get working dir: %w", err)
		}
	}

	p.WorkingDir = wd

	argv := slices.Clone(cfg.prefix)
	argv = append(argv, descriptor.ExpandPlaceholders(jt.RemoteCommand, p))
	for _, arg := range jt.ArgValues() {
		argv = append(argv, descriptor.ExpandPlaceholders(arg, p))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = wd
	cmd.Env = append(os.Environ(), jt.Environment()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if idx, ok := j.index.Get(); ok {
		cmd.Env = append(cmd.Env, descriptor.IndexEnv+"="+strconv.FormatInt(idx, 10))
	}

	r := &run{cmd: cmd, exited: make(chan struct{})}

	// Descriptors handed to the child are closed in the parent once the
	// process has started, or on failure.
	var childFiles []*os.File
	var cleanup []func()

	defer func() {
		for _, f := range childFiles {
			f.Close()
		}

		if err != nil {
			for _, c := range cleanup {
				c()
			}
		}
	}()

	path := func(s string) string {
		return descriptor.ExpandPlaceholders(descriptor.StripHost(s), p)
	}

	if jt.InputPath != "" {
		f, err := os.Open(path(jt.InputPath))
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}

		childFiles = append(childFiles, f)
		cmd.Stdin = f
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if j.runs > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	var stdout, stderr *os.File

	if jt.OutputPath != "" {
		if stdout, err = os.OpenFile(path(jt.OutputPath), flags, 0644); err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}

		childFiles = append(childFiles, stdout)
	}

	if jt.ErrorPath != "" && !jt.JoinFiles {
		if stderr, err = os.OpenFile(path(jt.ErrorPath), flags, 0644); err != nil {
			return nil, fmt.Errorf("open error output: %w", err)
		}

		childFiles = append(childFiles, stderr)
	}

	var pr *os.File

	if stdout == nil || (stderr == nil && !jt.JoinFiles) {
		var pw *os.File

		if pr, pw, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("create os pipe: %w", err)
		}

		childFiles = append(childFiles, pw)
		cleanup = append(cleanup, func() { pr.Close() })

		if stdout == nil {
			stdout = pw
		}

		if stderr == nil && !jt.JoinFiles {
			stderr = pw
		}
	}

	if jt.JoinFiles {
		stderr = stdout
	}

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if cfg.cgroupRoot != "" {
		name := fmt.Sprintf("jobsession-%s-%d", j.id, j.runs+1)

		cg, err := cgroups.Create(cfg.cgroupRoot, name, j.limits)
		if err != nil {
			return nil, fmt.Errorf("create cgroup: %w", err)
		}

		cleanup = append(cleanup, func() { cg.Destroy() })

		fd, err := cg.FD()
		if err != nil {
			return nil, err
		}

		childFiles = append(childFiles, fd)

		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(fd.Fd())
		r.cgroup = cg
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	if pr != nil {
		r.streamer = output.NewStreamer(pr, r.exited)
	}

	return r, nil
}

// wait waits for the process to exit and releases its cgroup. It returns the
// CPU time consumed by the run.
func (r *run) wait() time.Duration {
	// A non-zero exit is reported through ProcessState.
	r.cmd.Wait()

	ps := r.cmd.ProcessState
	cpu := ps.UserTime() + ps.SystemTime()

	if r.cgroup != nil {
		if usage, err := r.cgroup.CPUUsage(); err == nil {
			cpu = usage
		}
	}

	return cpu
}

func (r *run) signal(sig syscall.Signal) error {
	if err := unix.Kill(-r.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group: %w", err)
	}

	return nil
}

func (r *run) suspend() error {
	if r.cgroup != nil {
		return r.cgroup.Freeze()
	}

	return r.signal(unix.SIGSTOP)
}

func (r *run) resume() error {
	if r.cgroup != nil {
		return r.cgroup.Thaw()
	}

	return r.signal(unix.SIGCONT)
}

func (r *run) kill() error {
	if r.cgroup != nil {
		if err := r.cgroup.Kill(); err == nil {
			return nil
		}
	}

	return r.signal(unix.SIGKILL)
}

// exitStatus classifies how a process ended. A process killed by a signal
// has no exit status.
func exitStatus(ps *os.ProcessState) (descriptor.Optional[int64], string) {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return descriptor.Unset[int64](), unix.SignalName(ws.Signal())
	}

	return descriptor.Some(int64(ps.ExitCode())), ""
}

func seconds(d time.Duration) int64 {
	return int64((d + time.Second/2) / time.Second)
}
