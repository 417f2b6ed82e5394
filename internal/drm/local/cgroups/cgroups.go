// Package cgroups places jobs in cgroup v2 groups to apply resource limits,
// freeze and thaw them, kill every process of a job at once and account for
// their CPU usage.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRoot = "/sys/fs/cgroup"

	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"

	emptyPollInterval = 10 * time.Millisecond
	emptyTimeout      = 5 * time.Second
)

var ErrNotEmpty = errors.New("cgroup still populated")

// ResourceLimits are the limits written to a cgroup. Zero values are not
// applied.
type ResourceLimits struct {
	CPUMaxPercent  int64 `json:"cpuMaxPercent,omitempty"`
	MemoryMaxBytes int64 `json:"memoryMaxBytes,omitempty"`
	IOMaxBPS       int64 `json:"ioMaxBps,omitempty"`
}

// IsZero reports whether no limit is set.
func (l ResourceLimits) IsZero() bool {
	return l == ResourceLimits{}
}

// Cgroup is a cgroup v2 directory created for a single job.
type Cgroup struct {
	path string
}

// Create creates the cgroup named name under root and applies limits.
func Create(root, name string, limits ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{path: filepath.Join(root, name)}

	if err := os.Mkdir(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.applyLimits(limits); err != nil {
		os.Remove(cg.path)
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}

	return cg, nil
}

func (c *Cgroup) applyLimits(limits ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		if err := c.write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriodMicros)); err != nil {
			return fmt.Errorf("set CPU max limit: %w", err)
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryMaxBytes, 10)); err != nil {
			return fmt.Errorf("set memory max limit: %w", err)
		}
	}

	if limits.IOMaxBPS > 0 {
		deviceID, err := detectRootDevice()
		if err != nil {
			return fmt.Errorf("detect root device: %w", err)
		}

		value := fmt.Sprintf("%s rbps=%d wbps=%d", deviceID, limits.IOMaxBPS, limits.IOMaxBPS)
		if err := c.write("io.max", value); err != nil {
			return fmt.Errorf("set I/O max limit: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// Path returns the cgroup directory.
func (c *Cgroup) Path() string {
	return c.path
}

// FD opens the cgroup directory for use with SysProcAttr.CgroupFD. The caller
// closes it once the process has started.
func (c *Cgroup) FD() (*os.File, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open cgroup dir: %w", err)
	}

	return f, nil
}

// Freeze stops every process in the cgroup.
func (c *Cgroup) Freeze() error {
	return c.write("cgroup.freeze", "1")
}

// Thaw resumes every process in the cgroup.
func (c *Cgroup) Thaw() error {
	return c.write("cgroup.freeze", "0")
}

// Kill sends SIGKILL to every process in the cgroup.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Populated reports whether any process remains in the cgroup.
func (c *Cgroup) Populated() (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.events"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("read cgroup.events: %w", err)
	}

	fields := strings.Fields(string(data))
	for i, field := range fields {
		if field == "populated" && i+1 < len(fields) {
			return fields[i+1] == "1", nil
		}
	}

	return false, nil
}

// CPUUsage returns the CPU time consumed by the processes of the cgroup.
func (c *Cgroup) CPUUsage() (time.Duration, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return 0, fmt.Errorf("read cpu.stat: %w", err)
	}

	for line := range strings.SplitSeq(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usec, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse usage_usec: %w", err)
			}

			return time.Duration(usec) * time.Microsecond, nil
		}
	}

	return 0, errors.New("usage_usec not found in cpu.stat")
}

// Destroy kills any remaining processes, waits for the cgroup to empty and
// removes it.
func (c *Cgroup) Destroy() error {
	populated, err := c.Populated()
	if err != nil {
		return err
	}

	if populated {
		if err := c.Kill(); err != nil && !os.IsNotExist(err) {
			return err
		}

		deadline := time.Now().Add(emptyTimeout)
		for populated {
			if time.Now().After(deadline) {
				return fmt.Errorf("remove %s: %w", c.path, ErrNotEmpty)
			}

			time.Sleep(emptyPollInterval)

			if populated, err = c.Populated(); err != nil {
				return err
			}
		}
	}

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

// ValidateRoot checks root is a writable cgroup v2 hierarchy.
func ValidateRoot(root string) error {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	probe, err := os.MkdirTemp(root, "probe-")
	if err != nil {
		return fmt.Errorf("cgroup root not writable at %s: %w", root, err)
	}

	return os.Remove(probe)
}
