package local

import (
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm/local/cgroups"
)

// BackendName identifies the local resource manager and its extensions.
const BackendName = "local"

var (
	_ descriptor.Describer = (*TemplateExtension)(nil)
	_ descriptor.Describer = (*InfoExtension)(nil)
)

func init() {
	descriptor.RegisterExtension(BackendName, descriptor.ExtensionKindTemplate, func() descriptor.Extension {
		return &TemplateExtension{}
	})
	descriptor.RegisterExtension(BackendName, descriptor.ExtensionKindInfo, func() descriptor.Extension {
		return &InfoExtension{}
	})
}

// TemplateExtension carries the cgroup limits of a job. It is only honoured
// by a Manager with a cgroup root.
type TemplateExtension struct {
	Limits cgroups.ResourceLimits `json:"limits"`
}

func (e *TemplateExtension) Backend() string {
	return BackendName
}

func (e *TemplateExtension) CloneExtension() descriptor.Extension {
	c := *e
	return &c
}

func (e *TemplateExtension) EqualExtension(other descriptor.Extension) bool {
	o, ok := other.(*TemplateExtension)
	return ok && *e == *o
}

func (e *TemplateExtension) Attributes() map[string]string {
	return map[string]string{
		"limits.cpuMaxPercent":  "CPU the job's cgroup may use, in percent of one CPU",
		"limits.memoryMaxBytes": "Memory the job's cgroup may use, in bytes",
		"limits.ioMaxBps":       "Read and write bandwidth of the job's cgroup, in bytes per second",
	}
}

// InfoExtension reports process details of a job.
type InfoExtension struct {
	PID         int    `json:"pid,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	CgroupPath  string `json:"cgroupPath,omitempty"`
	Runs        int    `json:"runs"`
}

func (e *InfoExtension) Backend() string {
	return BackendName
}

func (e *InfoExtension) CloneExtension() descriptor.Extension {
	c := *e
	return &c
}

func (e *InfoExtension) EqualExtension(other descriptor.Extension) bool {
	o, ok := other.(*InfoExtension)
	return ok && *e == *o
}

func (e *InfoExtension) Attributes() map[string]string {
	return map[string]string{
		"pid":         "Process ID of the job's latest run",
		"interrupted": "Whether the manager stopped the job before it exited by itself",
		"cgroupPath":  "Cgroup directory of a job that has not finished",
		"runs":        "Number of times the job was started, counting requeues",
	}
}
