package kube

import (
	"maps"
	"slices"

	"github.com/nixpig/jobsession/internal/descriptor"
)

// BackendName identifies the Kubernetes resource manager and its extensions.
const BackendName = "kube"

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

// TemplateExtension sets pod details a job template has no attribute for.
type TemplateExtension struct {
	Image              string            `json:"image,omitempty"`
	ServiceAccountName string            `json:"serviceAccountName,omitempty"`
	NodeSelector       map[string]string `json:"nodeSelector,omitempty"`
}

func (e *TemplateExtension) Backend() string {
	return BackendName
}

func (e *TemplateExtension) CloneExtension() descriptor.Extension {
	c := *e
	c.NodeSelector = maps.Clone(e.NodeSelector)
	return &c
}

func (e *TemplateExtension) EqualExtension(other descriptor.Extension) bool {
	o, ok := other.(*TemplateExtension)
	return ok &&
		e.Image == o.Image &&
		e.ServiceAccountName == o.ServiceAccountName &&
		maps.Equal(e.NodeSelector, o.NodeSelector)
}

func (e *TemplateExtension) Attributes() map[string]string {
	return map[string]string{
		"image":              "Container image to run the command in",
		"serviceAccountName": "Service account of the job's pods",
		"nodeSelector":       "Node labels the job's pods must be scheduled on",
	}
}

// InfoExtension reports the Kubernetes objects behind a job.
type InfoExtension struct {
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Pods      []string `json:"pods,omitempty"`
	Active    int32    `json:"active"`
	Succeeded int32    `json:"succeeded"`
	Failed    int32    `json:"failed"`
}

func (e *InfoExtension) Backend() string {
	return BackendName
}

func (e *InfoExtension) CloneExtension() descriptor.Extension {
	c := *e
	c.Pods = slices.Clone(e.Pods)
	return &c
}

func (e *InfoExtension) EqualExtension(other descriptor.Extension) bool {
	o, ok := other.(*InfoExtension)
	return ok &&
		e.Name == o.Name &&
		e.Namespace == o.Namespace &&
		slices.Equal(e.Pods, o.Pods) &&
		e.Active == o.Active &&
		e.Succeeded == o.Succeeded &&
		e.Failed == o.Failed
}

func (e *InfoExtension) Attributes() map[string]string {
	return map[string]string{
		"name":      "Name of the Job object",
		"namespace": "Namespace of the Job object",
		"pods":      "Pods created for the job",
		"active":    "Number of running pods",
		"succeeded": "Number of pods that succeeded",
		"failed":    "Number of pods that failed",
	}
}
