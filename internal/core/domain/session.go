package domain

import "time"

// Session is the persisted progress record of one generation run.
type Session struct {
	SessionID        string       `json:"session_id"`
	StartTime        time.Time    `json:"start_time"`
	OutputFile       string       `json:"output_file"`
	TargetSize       int          `json:"target_size"`
	QualityThreshold float64      `json:"quality_threshold"`
	CurrentCount     int          `json:"current_count"`
	Completed        bool         `json:"completed"`
	State            SessionState `json:"state"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type SessionState string

const (
	SessionStateNew        SessionState = "new"
	SessionStateInProgress SessionState = "in_progress"
	SessionStateCompleted  SessionState = "completed"
)
