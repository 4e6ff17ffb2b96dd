package consts

// TaskStatus is the warmup task lifecycle state. A FAILED task becomes
// eligible again once progress.next_attempt_at elapses; there is no
// transition back to PENDING.
type TaskStatus string

const (
	Pending   TaskStatus = "PENDING"
	Running   TaskStatus = "RUNNING"
	Completed TaskStatus = "COMPLETED"
	Failed    TaskStatus = "FAILED"
)

func (s TaskStatus) String() string { return string(s) }

// WarmupSpeed controls how aggressive a warmup session is allowed to be.
type WarmupSpeed string

const (
	SpeedSlow   WarmupSpeed = "SLOW"
	SpeedNormal WarmupSpeed = "NORMAL"
	SpeedFast   WarmupSpeed = "FAST"
)
