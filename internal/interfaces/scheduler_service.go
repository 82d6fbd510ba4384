package interfaces

// SchedulerService drives periodic polling for work
type SchedulerService interface {
	// Start begins ticking at the configured interval
	Start() error

	// Stop halts ticking. An in-flight session is not cancelled.
	Stop() error

	// RunNow applies the tick preconditions immediately and reports why it declined
	RunNow() (started bool, reason string)

	// Enable and Disable toggle the persisted enabled flag
	Enable() error
	Disable() error

	// IsRunning returns true if the ticker is active
	IsRunning() bool
}
