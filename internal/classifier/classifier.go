// Package classifier turns one raw worker log line into at most one lifecycle event.
//
// Lines are checked in priority order: explicit step markers, explicit final
// status markers, heuristic progress phrases, then error phrases. The first
// layer that recognises the line decides the event. Classification is pure; any
// decision that depends on job state (such as heuristic de-duplication) is left
// to the caller.
package classifier

import (
	"strings"

	"github.com/jo-hoe/reposter/internal/config"
)

// Kind identifies the semantic event carried by a line.
type Kind int

const (
	None Kind = iota
	DownloadStarted
	DownloadCompleted
	LoginStarted
	LoginCompleted
	UploadStarted
	UploadCompleted
	UploadFailed
	ExplicitFailure
	FinalSuccess
	FinalFailure
)

var kindNames = map[Kind]string{
	None:              "none",
	DownloadStarted:   "download_started",
	DownloadCompleted: "download_completed",
	LoginStarted:      "login_started",
	LoginCompleted:    "login_completed",
	UploadStarted:     "upload_started",
	UploadCompleted:   "upload_completed",
	UploadFailed:      "upload_failed",
	ExplicitFailure:   "explicit_failure",
	FinalSuccess:      "final_success",
	FinalFailure:      "final_failure",
}

// String returns the step tag for the kind, e.g. "download_started".
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsStep reports whether the kind is one of the six phase start/complete steps.
func (k Kind) IsStep() bool {
	return k >= DownloadStarted && k <= UploadCompleted
}

// Origin records which classification layer produced an event.
type Origin int

const (
	OriginNone Origin = iota
	OriginMarker
	OriginFinalStatus
	OriginHeuristic
	OriginErrorKeyword
)

func (o Origin) String() string {
	switch o {
	case OriginMarker:
		return "marker"
	case OriginFinalStatus:
		return "final_status"
	case OriginHeuristic:
		return "heuristic"
	case OriginErrorKeyword:
		return "error_keyword"
	default:
		return "none"
	}
}

// Event is the classification result for a single line.
type Event struct {
	Kind   Kind
	Origin Origin
	// Message is the raw line for ExplicitFailure events.
	Message string
}

// Authoritative reports whether the event came from an explicit marker.
func (e Event) Authoritative() bool {
	return e.Origin == OriginMarker || e.Origin == OriginFinalStatus
}

var markerSteps = map[string]Kind{
	"download_started":   DownloadStarted,
	"download_completed": DownloadCompleted,
	"login_started":      LoginStarted,
	"login_completed":    LoginCompleted,
	"upload_started":     UploadStarted,
	"upload_completed":   UploadCompleted,
	"upload_failed":      UploadFailed,
}

type phrase struct {
	kind    Kind
	needles []string
}

// Classifier holds the lower-cased keyword tables. It is safe for concurrent use.
type Classifier struct {
	stepMarker  string
	finalMarker string
	heuristics  []phrase
	errors      []string
}

// New builds a Classifier from keyword settings. Empty phrases are dropped.
func New(k config.KeywordSettings) *Classifier {
	c := &Classifier{
		stepMarker:  strings.ToLower(strings.TrimSpace(k.StepMarker)),
		finalMarker: strings.ToLower(strings.TrimSpace(k.FinalStatusMarker)),
		errors:      lowerAll(k.Errors),
	}
	// Completion phrases are checked before start phrases of the same phase so
	// that "Downloaded video:" never reads as a download start.
	c.heuristics = []phrase{
		{DownloadCompleted, lowerAll(k.DownloadCompleted)},
		{DownloadStarted, lowerAll(k.DownloadStarted)},
		{LoginCompleted, lowerAll(k.LoginCompleted)},
		{LoginStarted, lowerAll(k.LoginStarted)},
		{UploadCompleted, lowerAll(k.UploadCompleted)},
		{UploadStarted, lowerAll(k.UploadStarted)},
	}
	return c
}

// Classify maps one line to zero or one event. A zero Event (Kind None) means
// the line carries no lifecycle information and should only be logged.
func (c *Classifier) Classify(line string) Event {
	lower := strings.ToLower(strings.TrimSpace(line))
	if lower == "" {
		return Event{}
	}

	if c.stepMarker != "" {
		if rest, ok := after(lower, c.stepMarker); ok {
			if kind, known := markerSteps[firstToken(rest)]; known {
				return Event{Kind: kind, Origin: OriginMarker}
			}
			return Event{}
		}
	}

	if c.finalMarker != "" {
		if rest, ok := after(lower, c.finalMarker); ok {
			switch firstToken(rest) {
			case "success":
				return Event{Kind: FinalSuccess, Origin: OriginFinalStatus}
			case "failed":
				return Event{Kind: FinalFailure, Origin: OriginFinalStatus}
			}
			return Event{}
		}
	}

	for _, p := range c.heuristics {
		if containsAny(lower, p.needles) {
			return Event{Kind: p.kind, Origin: OriginHeuristic}
		}
	}

	if containsAny(lower, c.errors) {
		return Event{Kind: ExplicitFailure, Origin: OriginErrorKeyword, Message: strings.TrimSpace(line)}
	}
	return Event{}
}

func after(s, marker string) (string, bool) {
	i := strings.Index(s, marker)
	if i < 0 {
		return "", false
	}
	return s[i+len(marker):], true
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
