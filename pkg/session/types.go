package session

import (
	"fmt"
	"time"

	"github.com/harun/mixdown/pkg/ingest"
)

// State is the phase of a session.
type State int

const (
	StateIdle State = iota
	StateCollectingMerge
	StateCollectingAppend
	StateAwaitingImage
	StateAwaitingVideoAudio
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollectingMerge:
		return "collecting_merge"
	case StateCollectingAppend:
		return "collecting_append"
	case StateAwaitingImage:
		return "awaiting_image"
	case StateAwaitingVideoAudio:
		return "awaiting_video_audio"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Collecting reports whether clips may be queued in this state.
func (s State) Collecting() bool {
	return s == StateCollectingMerge || s == StateCollectingAppend
}

// Action is a user intent. The set is closed; every switch over it is
// exhaustive.
type Action int

const (
	ActionUnknown Action = iota
	ActionStart
	ActionStartMerge
	ActionStartVideo
	ActionHelp
	ActionCancel
	ActionDone
	ActionAddMore
	ActionDownloadAudio
	ActionDownloadVideo
	// ActionSubmit carries an uploaded file in Event.Submission.
	ActionSubmit
)

var actionIDs = map[Action]string{
	ActionStart:         "start",
	ActionStartMerge:    "start-merge",
	ActionStartVideo:    "start-video",
	ActionHelp:          "help",
	ActionCancel:        "cancel",
	ActionDone:          "done",
	ActionAddMore:       "add-more",
	ActionDownloadAudio: "download-audio",
	ActionDownloadVideo: "download-video",
	ActionSubmit:        "submit",
}

// ID returns the wire identifier used in button callback data.
func (a Action) ID() string {
	if id, ok := actionIDs[a]; ok {
		return id
	}
	return "unknown"
}

func (a Action) String() string {
	return a.ID()
}

// ParseAction maps a callback identifier to an Action.
func ParseAction(id string) (Action, bool) {
	for action, candidate := range actionIDs {
		if candidate == id && action != ActionSubmit {
			return action, true
		}
	}
	return ActionUnknown, false
}

// Event is one inbound user event.
type Event struct {
	Action     Action
	Submission *ingest.Submission
	ChatID     int64
	// RequestID identifies the transport update, used to drop redeliveries.
	RequestID string
}

// Reply names the message the transport renders for an Outcome.
type Reply string

const (
	ReplyNone           Reply = ""
	ReplyWelcome        Reply = "welcome"
	ReplyHelp           Reply = "help"
	ReplyMergeStarted   Reply = "merge_started"
	ReplyAppendStarted  Reply = "append_started"
	ReplyVideoStarted   Reply = "video_started"
	ReplyClipAdded      Reply = "clip_added"
	ReplyImageReceived  Reply = "image_received"
	ReplyProcessing     Reply = "processing"
	ReplyCancelled      Reply = "cancelled"
	ReplyRejected       Reply = "rejected"
	ReplyMergeDone      Reply = "merge_done"
	ReplyVideoDone      Reply = "video_done"
	ReplyJobFailed      Reply = "job_failed"
	ReplyDeliveryFailed Reply = "delivery_failed"
	ReplySessionReset   Reply = "session_reset"
	ReplySessionExpired Reply = "session_expired"
)

// Outcome tells the transport what to show after an event.
type Outcome struct {
	Reply   Reply
	State   State
	Buttons []Action
	// Count is the number of clips queued in the current flow.
	Count int
	// Name is the display name of the asset the event concerned.
	Name string
	// Err is the classified error behind a rejection or failure.
	Err error
}

// DeliveryKind is the type of a finished job result.
type DeliveryKind string

const (
	DeliveryAudio DeliveryKind = "audio"
	DeliveryVideo DeliveryKind = "video"
)

// Delivery is a finished file to send to the user.
type Delivery struct {
	Kind     DeliveryKind
	Path     string
	Size     int64
	Duration time.Duration
	Merged   int
	Skipped  []string
	Buttons  []Action
}

// View is a read-only snapshot of a session.
type View struct {
	UserID       int64
	State        State
	Queue        []string
	HasImage     bool
	HasAudio     bool
	PriorOutput  string
	LastActivity time.Time
	Busy         bool
}
