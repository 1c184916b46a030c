package flash

// Event is a coordinator notification. Consumers read these off the Events
// channel; slow consumers cause events to be dropped, never block the flash.
type Event interface{ flashEvent() }

// StateChanged reports a phase transition.
type StateChanged struct {
	From State
	To   State
}

// ProgressUpdated carries an aggregate snapshot across all active drives.
type ProgressUpdated struct{ Progress Progress }

// DriveCompleted reports one drive finishing successfully, verification
// included when enabled.
type DriveCompleted struct {
	DevicePath string
	Result     DriveResult
}

// DriveFailed reports one drive's failure. Other drives continue.
type DriveFailed struct {
	DevicePath string
	Err        error
}

// OperationCompleted carries the final result after the coordinator reaches
// a terminal state.
type OperationCompleted struct{ Result Result }

// OperationError reports a failure before any drive work started, such as a
// validation rejection.
type OperationError struct{ Err error }

func (StateChanged) flashEvent()       {}
func (ProgressUpdated) flashEvent()    {}
func (DriveCompleted) flashEvent()     {}
func (DriveFailed) flashEvent()        {}
func (OperationCompleted) flashEvent() {}
func (OperationError) flashEvent()     {}

// Progress is an aggregate snapshot over all drives in the operation.
// Percent is capped at 99 while any compressed source's total is still an
// estimate; 100 is reported only on completion.
type Progress struct {
	Phase State

	// Operation is a short human-readable line for what is happening now.
	Operation string

	Percent      int
	BytesWritten int64
	TotalBytes   int64
	SpeedMBps    float64

	ActiveDrives    int
	CompletedDrives int
	FailedDrives    int
}
