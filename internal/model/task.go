package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramazan2220/warmq/internal/consts"
)

// Settings is the execution request handed to the executor. The scheduler
// treats it as opaque except for ForcePassive, which the health gate may set
// before dispatch. New fields are added here rather than through dynamic key
// access so old rows keep decoding.
type Settings struct {
	Speed        consts.WarmupSpeed `json:"warmup_speed,omitempty"`
	CurrentPhase string             `json:"current_phase,omitempty"`
	ForcePassive bool               `json:"force_passive,omitempty"`
	Timezone     string             `json:"timezone,omitempty"`
}

// SessionResult is what a single executor invocation produced.
type SessionResult struct {
	ActionsPerformed map[string]int    `json:"actions_performed,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
	SessionMetadata  map[string]string `json:"session_metadata,omitempty"`
}

// Progress is the cumulative execution bookkeeping for a task.
// NextAttemptAt is only present while a failed task is backing off.
type Progress struct {
	SessionsCount      int            `json:"sessions_count,omitempty"`
	CurrentPhase       string         `json:"current_phase,omitempty"`
	LastSession        *time.Time     `json:"last_session,omitempty"`
	LastSessionResults *SessionResult `json:"last_session_results,omitempty"`
	NextAttemptAt      *time.Time     `json:"next_attempt_at,omitempty"`
}

// Task is one unit of scheduled warmup work against a single account.
type Task struct {
	ID          int64             `gorm:"primaryKey"`
	OwnerID     int64             `gorm:"index;not null"` // tenant boundary, immutable after create
	AccountID   int64             `gorm:"index;not null"` // exclusivity boundary
	Status      consts.TaskStatus `gorm:"index;size:16"`
	Settings    Settings          `gorm:"type:text"`
	Progress    Progress          `gorm:"type:text"`
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (Task) TableName() string { return "warmup_tasks" }

// Backoff deferral is driven by this timestamp comparison, not by a status
// transition back to PENDING.
func (t *Task) InBackoff(now time.Time) bool {
	return t.Progress.NextAttemptAt != nil && now.Before(*t.Progress.NextAttemptAt)
}

func (s Settings) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Settings) Scan(src interface{}) error {
	return scanJSON(src, s)
}

func (p Progress) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Progress) Scan(src interface{}) error {
	return scanJSON(src, p)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
