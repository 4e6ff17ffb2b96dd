package consts

// Component names used in lifecycle logs.
const (
	CompStore     = "ha_store"
	CompScheduler = "warmup_scheduler"
	CompUserLog   = "user_log_sink"
	CompServer    = "http_server"
)
