package tracker

import (
	"time"

	"github.com/jo-hoe/reposter/internal/classifier"
	"github.com/jo-hoe/reposter/internal/jobs"
)

// Messages recorded when a marker reports failure without a line of its own.
const (
	msgUploadFailed    = "Upload failed"
	msgReportedFailure = "Process reported failure"
)

var stepUploadCompleted = classifier.UploadCompleted.String()

type transition struct {
	phase    jobs.Phase
	complete bool
}

var transitions = map[classifier.Kind]transition{
	classifier.DownloadStarted:   {jobs.PhaseDownload, false},
	classifier.DownloadCompleted: {jobs.PhaseDownload, true},
	classifier.LoginStarted:      {jobs.PhaseLogin, false},
	classifier.LoginCompleted:    {jobs.PhaseLogin, true},
	classifier.UploadStarted:     {jobs.PhaseUpload, false},
	classifier.UploadCompleted:   {jobs.PhaseUpload, true},
}

// Apply folds one classified event into job and reports whether the event
// moved the job to its terminal state.
//
// Heuristic step events are dropped when their step tag is already recorded.
// Once the job is completed only the step list keeps growing; phases, success
// and error are frozen.
func Apply(job *jobs.Job, ev classifier.Event, at time.Time) bool {
	if ev.Kind == classifier.None {
		return false
	}
	tag := ev.Kind.String()
	if ev.Kind.IsStep() && ev.Origin == classifier.OriginHeuristic && job.HasStep(tag) {
		return false
	}

	if job.Completed {
		if ev.Kind.IsStep() {
			job.AddStep(tag)
		}
		return false
	}

	switch ev.Kind {
	case classifier.UploadCompleted, classifier.FinalSuccess:
		completeUpload(job)
		return job.Finish(true, "", at)
	case classifier.UploadFailed:
		return job.Finish(false, msgUploadFailed, at)
	case classifier.ExplicitFailure:
		return job.Finish(false, ev.Message, at)
	case classifier.FinalFailure:
		return job.Finish(false, msgReportedFailure, at)
	}

	tr, ok := transitions[ev.Kind]
	if !ok {
		return false
	}
	// A start reported after its phase completed leaves no trace.
	if ps := job.Phases.Get(tr.phase); !tr.complete && ps != nil && ps.Completed {
		return false
	}
	job.AddStep(tag)
	if tr.complete {
		completePhase(job, tr.phase)
	} else {
		startPhase(job, tr.phase)
	}
	return false
}

// startPhase makes p the single current phase. A phase that already completed is never reopened.
func startPhase(job *jobs.Job, p jobs.Phase) {
	ps := job.Phases.Get(p)
	if ps == nil || ps.Completed {
		return
	}
	job.Phases.ClearCurrent()
	ps.Started = true
	ps.Current = true
	job.CurrentStep = p
}

func completePhase(job *jobs.Job, p jobs.Phase) {
	ps := job.Phases.Get(p)
	if ps == nil {
		return
	}
	ps.Started = true
	ps.Completed = true
	ps.Current = false
}

func completeUpload(job *jobs.Job) {
	job.AddStep(stepUploadCompleted)
	completePhase(job, jobs.PhaseUpload)
}

// RecordDiagnostic stores a line from the worker's diagnostic stream. Its text
// becomes the job error if none is recorded yet, without finishing the job; a
// later success signal clears it.
func RecordDiagnostic(job *jobs.Job, line string) {
	job.Log = append(job.Log, "ERROR: "+line)
	if !job.Completed && job.Error == "" {
		job.Error = line
	}
}
