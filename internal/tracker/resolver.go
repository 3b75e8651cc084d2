package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/reposter/internal/classifier"
	"github.com/jo-hoe/reposter/internal/jobs"
)

// Resolver decides the verdict of a job whose worker exited before the log
// stream reported a terminal state.
type Resolver struct {
	indicators []string
}

// NewResolver builds a Resolver that treats any of indicators (case-insensitive)
// found in the log of a cleanly exited job as proof of success.
func NewResolver(indicators []string) *Resolver {
	r := &Resolver{}
	for _, s := range indicators {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			r.indicators = append(r.indicators, s)
		}
	}
	return r
}

// Resolve finalizes job for the given exit code and reports whether it did.
// It is a no-op for jobs that are already completed. Callers must hold the job's lock.
func (r *Resolver) Resolve(job *jobs.Job, exitCode int, at time.Time) bool {
	if job.Completed {
		return false
	}
	if exitCode != 0 {
		return job.Finish(false, fmt.Sprintf("process exited with code %d", exitCode), at)
	}
	if job.HasStep(stepUploadCompleted) || r.logIndicatesSuccess(job.Log) {
		completeUpload(job)
		return job.Finish(true, "", at)
	}
	return job.Finish(false, Narrative(job.Steps), at)
}

func (r *Resolver) logIndicatesSuccess(lines []string) bool {
	if len(r.indicators) == 0 || len(lines) == 0 {
		return false
	}
	text := strings.ToLower(strings.Join(lines, "\n"))
	for _, ind := range r.indicators {
		if strings.Contains(text, ind) {
			return true
		}
	}
	return false
}

var narratives = []struct {
	step    classifier.Kind
	message string
}{
	{classifier.UploadStarted, "Upload process started but didn't complete"},
	{classifier.LoginCompleted, "Login successful but upload didn't start"},
	{classifier.LoginStarted, "Login process started but didn't complete"},
	{classifier.DownloadCompleted, "Download completed but login didn't start"},
	{classifier.DownloadStarted, "Download started but didn't complete"},
}

// Narrative describes the deepest step reached by a job that exited cleanly without finishing.
func Narrative(steps []string) string {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		seen[s] = true
	}
	for _, n := range narratives {
		if seen[n.step.String()] {
			return n.message
		}
	}
	return "Process completed without expected steps"
}
