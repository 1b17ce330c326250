package domain

// Phase is the lifecycle step a generation session is in
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUploading
	PhaseStarting
	PhasePolling
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUploading:
		return "uploading"
	case PhaseStarting:
		return "starting"
	case PhasePolling:
		return "polling"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the observable state of one generation request.
// Values are immutable and only built through the phase constructors,
// so results and errors can never coexist with a busy phase.
type Session struct {
	phase    Phase
	progress float64
	results  []string
	err      error
}

func IdleSession() Session { return Session{phase: PhaseIdle} }

func UploadingSession() Session { return Session{phase: PhaseUploading} }

func StartingSession() Session { return Session{phase: PhaseStarting} }

func PollingSession(progress float64) Session {
	return Session{phase: PhasePolling, progress: progress}
}

// CompletedSession keeps the results and the last progress seen while polling
func CompletedSession(results []string, progress float64) Session {
	return Session{phase: PhaseCompleted, progress: progress, results: append([]string(nil), results...)}
}

// FailedSession records err; a nil err still yields a failed session with
// the generic message. progress is the last value seen before the failure.
func FailedSession(err error, progress float64) Session {
	return Session{phase: PhaseFailed, progress: progress, err: err}
}

func (s Session) Phase() Phase { return s.phase }

// IsGenerating is true while a request is in flight
func (s Session) IsGenerating() bool {
	switch s.phase {
	case PhaseUploading, PhaseStarting, PhasePolling:
		return true
	}
	return false
}

// Progress mirrors the last value reported by the server. Terminal sessions
// keep it; idle, uploading and starting report 0.
func (s Session) Progress() float64 {
	switch s.phase {
	case PhasePolling, PhaseCompleted, PhaseFailed:
		return s.progress
	}
	return 0
}

// GeneratedImages returns the result references of a completed session
func (s Session) GeneratedImages() []string {
	if s.phase != PhaseCompleted {
		return []string{}
	}
	return append([]string{}, s.results...)
}

// Err returns the failure of a failed session
func (s Session) Err() error {
	if s.phase != PhaseFailed {
		return nil
	}
	return s.err
}

// ErrorMessage returns the user facing error text, empty unless failed
func (s Session) ErrorMessage() string {
	if s.phase != PhaseFailed {
		return ""
	}
	if s.err == nil {
		return UnknownErrorMessage
	}
	return UserMessage(s.err)
}
