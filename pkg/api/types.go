package api

import "time"

// v0 contains public types shared by the CLI and the orchestration packages.

// TaskKind describes how a registered task executes.
type TaskKind string

const (
	KindLeaf       TaskKind = "leaf"
	KindSequence   TaskKind = "sequence"
	KindConcurrent TaskKind = "concurrent"
	KindWatch      TaskKind = "watch"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one finished execution of a named task.
type RunRecord struct {
	ID        string        `json:"id" yaml:"id"`
	Task      string        `json:"task" yaml:"task"`
	Status    RunStatus     `json:"status" yaml:"status"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}
