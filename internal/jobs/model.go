package jobs

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrQueueFull     = errors.New("queue is full")
	ErrInvalidSource = errors.New("invalid source")
	ErrInvalidTarget = errors.New("invalid target url")
)

// Source is the platform the video is reposted from.
type Source string

const (
	SourceInstagram Source = "instagram"
	SourceYouTube   Source = "youtube"

	DefaultSource = SourceInstagram
)

// ParseSource normalizes s, falling back to DefaultSource when empty.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultSource, nil
	case SourceInstagram:
		return SourceInstagram, nil
	case SourceYouTube:
		return SourceYouTube, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, s)
}

var targetPatterns = map[Source][]string{
	SourceInstagram: {"instagram.com/reel/", "instagram.com/p/"},
	SourceYouTube:   {"youtube.com/shorts/", "youtu.be/"},
}

// ValidateTarget checks that target is an absolute URL pointing at content of the given source.
func ValidateTarget(src Source, target string) error {
	u, err := url.ParseRequestURI(strings.TrimSpace(target))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	for _, p := range targetPatterns[src] {
		if strings.Contains(target, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: not a %s url", ErrInvalidTarget, src)
}

// Phase names one of the three ordered stages of a repost.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseLogin    Phase = "login"
	PhaseUpload   Phase = "upload"
)

// PhaseState is the progress of a single phase.
type PhaseState struct {
	Started   bool `json:"started"`
	Completed bool `json:"completed"`
	Current   bool `json:"current"`
}

// Phases holds the fixed download → login → upload triple.
type Phases struct {
	Download PhaseState `json:"download"`
	Login    PhaseState `json:"login"`
	Upload   PhaseState `json:"upload"`
}

// Get returns a pointer to the state of p, or nil for an unknown phase.
func (p *Phases) Get(name Phase) *PhaseState {
	switch name {
	case PhaseDownload:
		return &p.Download
	case PhaseLogin:
		return &p.Login
	case PhaseUpload:
		return &p.Upload
	}
	return nil
}

// ClearCurrent marks no phase as in progress.
func (p *Phases) ClearCurrent() {
	p.Download.Current = false
	p.Login.Current = false
	p.Upload.Current = false
}

// Status is the coarse state reported to pollers.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Request is what a caller submits.
type Request struct {
	TargetURL   string
	Caption     string
	Hashtags    string
	Source      Source
	CallbackURL *string // optional
}

// Job is the lifecycle record of one repost request.
type Job struct {
	ID          string     `json:"id"`
	Source      Source     `json:"source"`
	TargetURL   string     `json:"videoUrl"`
	Caption     string     `json:"caption,omitempty"`
	Hashtags    string     `json:"hashtags,omitempty"`
	CallbackURL *string    `json:"callbackUrl,omitempty"`
	Status      Status     `json:"status"`
	Phases      Phases     `json:"phases"`
	CurrentStep Phase      `json:"currentStep,omitempty"` // phase most recently started
	Steps       []string   `json:"steps"`                 // distinct step tags, in observation order
	Log         []string   `json:"log"`                   // raw lines, diagnostics prefixed with "ERROR: "
	Completed   bool       `json:"completed"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasStep reports whether tag was already observed.
func (j *Job) HasStep(tag string) bool {
	for _, s := range j.Steps {
		if s == tag {
			return true
		}
	}
	return false
}

// AddStep appends tag unless it is already present.
func (j *Job) AddStep(tag string) bool {
	if j.HasStep(tag) {
		return false
	}
	j.Steps = append(j.Steps, tag)
	return true
}

// Finish performs the one-way transition to a terminal state. It returns false
// and changes nothing if the job is already completed.
func (j *Job) Finish(success bool, errMsg string, at time.Time) bool {
	if j.Completed {
		return false
	}
	j.Completed = true
	j.Success = success
	if success {
		j.Error = ""
		j.Status = StatusCompleted
	} else {
		if j.Error == "" {
			j.Error = errMsg
		}
		j.Status = StatusFailed
	}
	j.Phases.ClearCurrent()
	t := at.UTC()
	j.CompletedAt = &t
	return true
}

// snapshot returns a copy that shares backing arrays with j but can never
// observe later appends: slice capacity is capped at the current length.
func (j *Job) snapshot() *Job {
	c := *j
	c.Steps = j.Steps[:len(j.Steps):len(j.Steps)]
	c.Log = j.Log[:len(j.Log):len(j.Log)]
	if j.CallbackURL != nil {
		v := *j.CallbackURL
		c.CallbackURL = &v
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
