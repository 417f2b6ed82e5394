package v1

import (
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/registry"
)

type SystemInfo struct {
	Name          string      `json:"name"`
	Version       drm.Version `json:"version"`
	Capabilities  []string    `json:"capabilities"`
	JobCategories []string    `json:"jobCategories"`
}

type CreateSessionRequest struct {
	Name   string          `json:"name"`
	Handle registry.Handle `json:"handle"`
}

type AttachSessionRequest struct {
	Name   string          `json:"name"`
	Handle registry.Handle `json:"handle"`
}

type DetachSessionRequest struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type SessionRequest struct {
	Name string `json:"name"`
}

type SessionResponse struct {
	Record *registry.Record `json:"record"`
}

type ListSessionsResponse struct {
	Names []string `json:"names"`
}

type SubmitJobRequest struct {
	Session  string                  `json:"session"`
	Template *descriptor.JobTemplate `json:"template"`
}

type SubmitJobResponse struct {
	ID string `json:"id"`
}

type SubmitBulkJobsRequest struct {
	Session  string                  `json:"session"`
	Template *descriptor.JobTemplate `json:"template"`
	Range    drm.BulkRange           `json:"range"`
}

type SubmitBulkJobsResponse struct {
	ArrayID string   `json:"arrayId"`
	JobIDs  []string `json:"jobIds"`
}

// JobRequest identifies a job.
type JobRequest struct {
	ID string `json:"id"`
}

type JobStateResponse struct {
	State    descriptor.JobState `json:"state"`
	SubState string              `json:"subState,omitempty"`
}

type JobInfoResponse struct {
	Info *descriptor.JobInfo `json:"info"`
}

type ControlJobRequest struct {
	ID     string     `json:"id"`
	Action drm.Action `json:"action"`
}

// ListJobsRequest selects the jobs of a session. An empty session selects
// every job.
type ListJobsRequest struct {
	Session string `json:"session"`
}

type ListJobsResponse struct {
	IDs []string `json:"ids"`
}

type JobArrayResponse struct {
	Array *drm.ArrayRecord `json:"array"`
}

type StreamJobOutputResponse struct {
	Output []byte `json:"output"`
}

// WatchJobsRequest selects the notifications to watch. An empty session
// watches every job.
type WatchJobsRequest struct {
	Session string `json:"session"`
}
