package lifecycle

import "strings"

// Status represents the lifecycle state of a meeting.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusJoining    Status = "JOINING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// Platform enumerates the video platforms a meeting URL can belong to.
type Platform string

const (
	PlatformZoom       Platform = "zoom"
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "microsoft_teams"
	PlatformWebex      Platform = "webex"
	PlatformOther      Platform = "other"
)

// predecessors maps each destination status to the set of states a meeting
// must currently be in for the transition to apply. A proposed transition
// whose current state is not listed here is dropped as a stale or duplicate
// signal. Both the webhook and poll paths funnel through this table; no
// other code writes status.
var predecessors = map[Status][]Status{
	StatusJoining:    {StatusScheduled},
	StatusInProgress: {StatusJoining},
	StatusProcessing: {StatusInProgress},
	StatusCompleted:  {StatusProcessing},
	StatusCancelled:  {StatusScheduled, StatusJoining, StatusInProgress, StatusProcessing},
	StatusFailed:     {StatusScheduled, StatusJoining, StatusInProgress, StatusProcessing},
	StatusScheduled:  {StatusCancelled},
}

// Apply returns the status a meeting in current should hold after a signal
// proposing proposed, and whether the transition applies. When it does not
// apply the current status is returned unchanged.
func Apply(current, proposed Status) (Status, bool) {
	for _, from := range predecessors[proposed] {
		if from == current {
			return proposed, true
		}
	}
	return current, false
}

// Predecessors returns the states from which proposed is reachable. The repo
// layer uses this to make the transition a conditional update.
func Predecessors(proposed Status) []Status {
	return predecessors[proposed]
}

// Terminal reports whether a status admits no further transitions along the
// happy path. CANCELLED is excluded: a cancelled meeting may be re-enabled
// before it starts.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known lifecycle status.
func Valid(s Status) bool {
	switch s {
	case StatusScheduled, StatusJoining, StatusInProgress, StatusProcessing,
		StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// FromProviderStatus maps a bot-provider wire status onto a lifecycle status.
// Unknown values map to empty string so callers can ignore them.
func FromProviderStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ready", "scheduled":
		return StatusScheduled
	case "joining", "joining_call", "in_waiting_room":
		return StatusJoining
	case "in_call", "in_call_recording", "recording":
		return StatusInProgress
	case "call_ended", "done", "processing", "media_ready":
		return StatusProcessing
	case "fatal", "error":
		return StatusFailed
	default:
		return ""
	}
}

// PlatformFromURL guesses the video platform from a meeting URL.
func PlatformFromURL(url string) Platform {
	lowered := strings.ToLower(url)
	switch {
	case strings.Contains(lowered, "zoom.us"):
		return PlatformZoom
	case strings.Contains(lowered, "meet.google.com"):
		return PlatformGoogleMeet
	case strings.Contains(lowered, "teams.microsoft.com"), strings.Contains(lowered, "teams.live.com"):
		return PlatformTeams
	case strings.Contains(lowered, "webex.com"):
		return PlatformWebex
	default:
		return PlatformOther
	}
}
