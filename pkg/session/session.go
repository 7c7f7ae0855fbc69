package session

import (
	"context"
	"sync"
	"time"

	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/progress"
)

// Session is one user's flow state. Fields are guarded by mu.
type Session struct {
	UserID int64
	ChatID int64

	State       State
	Queue       []assetstore.Asset
	Image       assetstore.Asset
	VideoAudio  assetstore.Asset
	PriorOutput assetstore.Asset
	Status      progress.Handle

	LastActivity time.Time
	CreatedAt    time.Time
	// CancelRequested is set when cancel arrives while a job is running.
	CancelRequested bool

	job     *job
	removed bool
	// downloading is set while an event's fetch runs with mu released.
	downloading bool
	mu          sync.Mutex
}

// job is an encode running off the lane.
type job struct {
	id     string
	kind   DeliveryKind
	inputs []assetstore.Asset
	image  assetstore.Asset
	audio  assetstore.Asset
	output string
	append bool
	status progress.Handle
	cancel context.CancelFunc
}

// files lists every path the job may have created or consumed.
func (j *job) files() []assetstore.Asset {
	files := append([]assetstore.Asset(nil), j.inputs...)
	files = append(files,
		assetstore.Asset{Path: j.output},
		assetstore.Asset{Path: j.output + ".pcm"},
	)
	return files
}

// assets lists everything the session currently holds.
func (s *Session) assets() []assetstore.Asset {
	var out []assetstore.Asset
	out = append(out, s.Queue...)
	for _, a := range []assetstore.Asset{s.Image, s.VideoAudio, s.PriorOutput} {
		if !a.IsZero() {
			out = append(out, a)
		}
	}
	return out
}

// clearFlow forgets all flow data without touching disk.
func (s *Session) clearFlow() {
	s.State = StateIdle
	s.Queue = nil
	s.Image = assetstore.Asset{}
	s.VideoAudio = assetstore.Asset{}
	s.PriorOutput = assetstore.Asset{}
	s.Status = progress.Handle{}
	s.CancelRequested = false
}

func (s *Session) view() View {
	v := View{
		UserID:       s.UserID,
		State:        s.State,
		HasImage:     !s.Image.IsZero(),
		HasAudio:     !s.VideoAudio.IsZero(),
		PriorOutput:  s.PriorOutput.Path,
		LastActivity: s.LastActivity,
		Busy:         s.job != nil,
	}
	for _, a := range s.Queue {
		v.Queue = append(v.Queue, a.Name)
	}
	return v
}
