package job

// Status represents the job status as a string.
type Status string

const (
	// StatusPending indicates that the job has been created but its source isn't fetched yet.
	StatusPending Status = "pending"
	// StatusCloning indicates that the job source is being fetched.
	StatusCloning Status = "cloning"
	// StatusUploaded indicates that the job source snapshot is in the object store.
	StatusUploaded Status = "uploaded"
	// StatusQueued indicates that the build task has been enqueued.
	StatusQueued Status = "queued"
	// StatusBuilding indicates that a worker has picked up the build task.
	StatusBuilding Status = "building"
	// StatusBuilt indicates that the build artifacts have been published.
	StatusBuilt Status = "built"
	// StatusFailed indicates that the job has failed. It is terminal.
	StatusFailed Status = "failed"

	// StatusUnknown is reported for ids that were never created.
	// It is never stored.
	StatusUnknown Status = "unknown"
)

var statuses = map[Status]struct{}{
	StatusPending:  {},
	StatusCloning:  {},
	StatusUploaded: {},
	StatusQueued:   {},
	StatusBuilding: {},
	StatusBuilt:    {},
	StatusFailed:   {},
}

// StatusFromString converts a string to a Status type and checks if it is a known status.
// It returns the Status and a boolean indicating whether the status is known.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

// transitions lists the happy path successors of each status.
// StatusFailed is reachable from every non-terminal status and isn't listed.
var transitions = map[Status][]Status{
	StatusPending:  {StatusCloning},
	StatusCloning:  {StatusUploaded},
	StatusUploaded: {StatusQueued},
	StatusQueued:   {StatusBuilding},
	StatusBuilding: {StatusBuilding, StatusBuilt}, // building again on redelivery
	StatusBuilt:    {},
	StatusFailed:   {},
}

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusBuilt || s == StatusFailed
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to Status) bool {
	if _, known := statuses[from]; !known {
		return false
	}
	if to == StatusFailed {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
