package pipeline

import (
	"time"

	"pluginstager/internal/registry"
)

// Report is the structured result of one run. Every declared artifact
// appears exactly once, in Succeeded or in Failed.
type Report struct {
	RunID     string        `json:"runId" yaml:"runId"`
	State     State         `json:"state" yaml:"state"`
	Succeeded []StagedEntry `json:"succeeded" yaml:"succeeded"`
	Failed    []FailedEntry `json:"failed" yaml:"failed"`
	Removed   []string      `json:"removed,omitempty" yaml:"removed,omitempty"`
	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration  string        `json:"duration" yaml:"duration"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Elapsed   time.Duration `json:"-" yaml:"-"`

	specs []registry.ArtifactSpec
}

// StagedEntry is an artifact present in the destination after the run.
type StagedEntry struct {
	Coordinate       string `json:"coordinate" yaml:"coordinate"`
	Version          string `json:"version" yaml:"version"`
	DestinationClass string `json:"destinationClass" yaml:"destinationClass"`
	Path             string `json:"path" yaml:"path"`
	Source           string `json:"source" yaml:"source"` // fetched or cached
	Changed          bool   `json:"changed" yaml:"changed"`
}

// FailedEntry is an artifact that did not reach the destination.
type FailedEntry struct {
	Coordinate       string `json:"coordinate" yaml:"coordinate"`
	Version          string `json:"version" yaml:"version"`
	DestinationClass string `json:"destinationClass" yaml:"destinationClass"`
	Reason           string `json:"reason" yaml:"reason"`
	Error            string `json:"error,omitempty" yaml:"error,omitempty"`
}

func failedEntry(spec registry.ArtifactSpec, reason string, err error) FailedEntry {
	e := FailedEntry{
		Coordinate:       spec.Coordinate.String(),
		Version:          spec.Version,
		DestinationClass: string(spec.Class),
		Reason:           reason,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Specs returns the registry snapshot the run used, in canonical order. It
// is empty when the registry failed to load.
func (r *Report) Specs() []registry.ArtifactSpec { return r.specs }

// Total is the number of artifacts accounted for.
func (r *Report) Total() int { return len(r.Succeeded) + len(r.Failed) }
