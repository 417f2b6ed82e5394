package cgroups_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/jobsession/internal/drm/local/cgroups"
)

func requireCgroupRoot(t *testing.T) string {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("cgroup tests require root")
	}

	if err := cgroups.ValidateRoot(cgroups.DefaultRoot); err != nil {
		t.Skipf("cgroup v2 not available: %v", err)
	}

	return cgroups.DefaultRoot
}

func readCgroupFile(t *testing.T, cg *cgroups.Cgroup, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(cg.Path(), name))
	if err != nil {
		t.Fatalf("expected not to receive error reading %s: got '%v'", name, err)
	}

	return string(bytes.TrimSpace(data))
}

func TestCgroupLimits(t *testing.T) {
	root := requireCgroupRoot(t)

	cg, err := cgroups.Create(root, "jobsession-limits-test", cgroups.ResourceLimits{
		CPUMaxPercent:  50,
		MemoryMaxBytes: 536870912,
		IOMaxBPS:       10485760,
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer cg.Destroy()

	if got, want := readCgroupFile(t, cg, "cpu.max"), "50000 100000"; got != want {
		t.Errorf("expected cpu.max: got '%s', want '%s'", got, want)
	}

	if got, want := readCgroupFile(t, cg, "memory.max"), "536870912"; got != want {
		t.Errorf("expected memory.max: got '%s', want '%s'", got, want)
	}

	if got, want := readCgroupFile(t, cg, "io.max"), "rbps=10485760 wbps=10485760"; !strings.Contains(got, want) {
		t.Errorf("expected io.max: got '%s', want '%s'", got, want)
	}
}

func TestCgroupLifecycle(t *testing.T) {
	root := requireCgroupRoot(t)

	cg, err := cgroups.Create(root, "jobsession-lifecycle-test", cgroups.ResourceLimits{})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	fd, err := cg.FD()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    int(fd.Fd()),
	}

	startTime := time.Now()

	if err := cmd.Start(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	fd.Close()

	populated, err := cg.Populated()
	if err != nil || !populated {
		t.Errorf("expected cgroup to be populated: got '%t', '%v'", populated, err)
	}

	if err := cg.Freeze(); err != nil {
		t.Errorf("expected freeze not to return error: got '%v'", err)
	}

	if err := cg.Thaw(); err != nil {
		t.Errorf("expected thaw not to return error: got '%v'", err)
	}

	if _, err := cg.CPUUsage(); err != nil {
		t.Errorf("expected CPU usage not to return error: got '%v'", err)
	}

	if err := cg.Kill(); err != nil {
		t.Errorf("expected kill not to return error: got '%v'", err)
	}

	cmd.Wait()

	if err := cg.Destroy(); err != nil {
		t.Errorf("expected destroy not to return error: got '%v'", err)
	}

	if time.Since(startTime) >= 30*time.Second {
		t.Errorf("expected kill to complete without waiting for process: took '%v'", time.Since(startTime))
	}

	if _, err := os.Stat(cg.Path()); !os.IsNotExist(err) {
		t.Errorf("expected cgroup path to be removed: got '%v'", err)
	}
}

func TestValidateRoot(t *testing.T) {
	t.Parallel()

	if err := cgroups.ValidateRoot(t.TempDir()); err == nil {
		t.Errorf("expected plain directory not to be a valid cgroup root")
	}
}

func TestResourceLimitsIsZero(t *testing.T) {
	t.Parallel()

	if !(cgroups.ResourceLimits{}).IsZero() {
		t.Errorf("expected empty limits to be zero")
	}

	if (cgroups.ResourceLimits{CPUMaxPercent: 10}).IsZero() {
		t.Errorf("expected limits not to be zero")
	}
}
