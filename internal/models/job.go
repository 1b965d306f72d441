package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. A job only moves forward:
// once terminal it never returns to pending or running.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Item lifecycle states. An item may bounce running->pending on retry;
// the owning job's status is unaffected by item retries.
const (
	ItemPending   = "pending"
	ItemRunning   = "running"
	ItemCompleted = "completed"
	ItemFailed    = "failed"
	ItemSkipped   = "skipped"
	ItemCancelled = "cancelled"
)

// JobTerminal reports whether a job status is terminal.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ItemTerminal reports whether an item status is terminal.
func ItemTerminal(status string) bool {
	switch status {
	case ItemCompleted, ItemFailed, ItemSkipped, ItemCancelled:
		return true
	}
	return false
}

// Job is one caching (or transcoding) request persisted in Postgres.
type Job struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	FilePaths          []string   `json:"file_paths"`
	DirectoryPaths     []string   `json:"directory_paths"`
	TotalFiles         int        `json:"total_files"`
	CompletedFiles     int        `json:"completed_files"`
	FailedFiles        int        `json:"failed_files"`
	TotalSizeBytes     int64      `json:"total_size_bytes"`
	CompletedSizeBytes int64      `json:"completed_size_bytes"`
	ProfileID          *int64     `json:"profile_id,omitempty"`
	FilespaceID        int64      `json:"filespace_id"`
	WorkerID           *string    `json:"worker_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
}

// JobItem is one file within a job, the unit of claiming.
type JobItem struct {
	ID           int64      `json:"id"`
	JobID        string     `json:"job_id"`
	FilePath     string     `json:"file_path"`
	FileSize     *int64     `json:"file_size,omitempty"`
	Status       string     `json:"status"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`

	// Reclaimed marks an item whose previous holder's lease expired; set
	// only on the claim result, never persisted.
	Reclaimed bool `json:"-"`
}

// Profile is a named concurrency/polling tuning applied to jobs by file
// characteristics. Read-mostly; seeded at deploy time.
type Profile struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	MinFileSize        int64    `json:"min_file_size"`
	MaxFileSize        int64    `json:"max_file_size"`               // 0 = unbounded
	FileExtensions     []string `json:"file_extensions,omitempty"`   // nil = wildcard
	MaxConcurrentFiles int      `json:"max_concurrent_files"`
	WorkerCount        int      `json:"worker_count"`
	PollIntervalMS     int      `json:"poll_interval_ms"`
	Priority           int      `json:"priority"`
	IsDefault          bool     `json:"is_default"`
}

// PollInterval returns the profile's poll interval as a duration.
func (p Profile) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// Filespace describes one registered remote mount.
type Filespace struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	MountPoint string `json:"mount_point"`
	InstanceID string `json:"instance_id"`
}

// ThroughputSample is one reading of the remote link speed.
type ThroughputSample struct {
	Mbps      float64   `json:"mbps"`
	Timestamp time.Time `json:"timestamp"`
}
