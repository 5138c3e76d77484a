// Package schedule defines the domain types shared by the store, the
// backend client and the execution engine: scheduled actions, their
// status state machine and wall-clock time windows.
package schedule

// Status is the lifecycle state of a scheduled action for its day.
type Status string

const (
	StatusPending     Status = "pending"
	StatusExecutedOn  Status = "executed_on"
	StatusExecutedOff Status = "executed_off"
	StatusFailed      Status = "failed"
	StatusMissed      Status = "missed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is allowed for the
// day's instance of the action.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecutedOff, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// Resolved reports whether the action no longer needs a device command:
// it either completed or will never run today.
func (s Status) Resolved() bool {
	switch s {
	case StatusExecutedOn, StatusExecutedOff, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExecutedOn, StatusExecutedOff,
		StatusFailed, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// Action is one planned device-on interval for one device on one day.
// Times are local wall-clock HH:MM:SS strings interpreted against
// "today"; EndTime <= StartTime means the interval crosses midnight.
// Everything except Status is immutable after the snapshot is fetched.
type Action struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Status     Status `json:"status"`
}

// Window parses the action's start/end times into a Window. Unparseable
// times are a data defect; the caller is expected to skip the action.
func (a Action) Window() (Window, error) {
	start, err := ParseClock(a.StartTime)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseClock(a.EndTime)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end}, nil
}

// HasSuccessor reports whether another pending action for the same
// device starts exactly when a ends. Used to fuse back-to-back
// intervals so the device is not flicked off and on again.
func HasSuccessor(actions []Action, a Action) bool {
	for _, other := range actions {
		if other.ID == a.ID {
			continue
		}
		if other.DeviceID == a.DeviceID &&
			other.StartTime == a.EndTime &&
			other.Status == StatusPending {
			return true
		}
	}
	return false
}

// IntendedOn computes, for every device with at least one action, whether
// the schedule implies the device should be on right now. Only actions
// already driven to executed_on count: a pending action that never
// started must not make the safety check leave a device on.
func IntendedOn(actions []Action, now Clock) map[string]bool {
	intended := make(map[string]bool)
	for _, a := range actions {
		if _, ok := intended[a.DeviceID]; !ok {
			intended[a.DeviceID] = false
		}
		if a.Status != StatusExecutedOn {
			continue
		}
		w, err := a.Window()
		if err != nil {
			continue
		}
		if w.Contains(now) {
			intended[a.DeviceID] = true
		}
	}
	return intended
}
