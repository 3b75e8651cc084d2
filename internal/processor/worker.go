package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/reposter/internal/common"
	"github.com/jo-hoe/reposter/internal/config"
	"github.com/jo-hoe/reposter/internal/jobs"
	"github.com/jo-hoe/reposter/internal/tokens"
	"github.com/jo-hoe/reposter/internal/tracker"
)

// maxLineSize bounds a single line read from the worker's output.
const maxLineSize = 1 << 20

// Worker implements jobs.Processor by running the configured repost command
// and feeding its output to the tracker.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Registry *jobs.Registry
	Tracker  *tracker.Tracker
	Tokens   tokens.Store // optional
	Client   *http.Client
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, reg *jobs.Registry, tr *tracker.Tracker, store tokens.Store) *Worker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		Log:      log,
		Cfg:      cfg,
		Registry: reg,
		Tracker:  tr,
		Tokens:   store,
		Client:   http.DefaultClient,
	}
}

// Process runs one worker process to completion and posts the final record
// to the job's callback URL, if any. The job record is terminal when Process returns.
func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	job := item.Job
	runErr := w.run(ctx, job, item.WorkDir)

	if job.CallbackURL != nil && *job.CallbackURL != "" {
		final, ok := w.Registry.Get(job.ID)
		if ok && final.Completed {
			if err := w.sendCallbackWithRetry(ctx, *job.CallbackURL, newCallbackPayload(final)); err != nil {
				w.Log.Warn("callback failed after retries", "job_id", job.ID, "err", err)
			}
		}
	}
	return runErr
}

func (w *Worker) run(ctx context.Context, job jobs.Job, workDir string) error {
	log := w.Log.With("job_id", job.ID)

	env, err := w.env(job, workDir)
	if err != nil {
		w.Tracker.Abort(job.ID, "failed to prepare worker: "+err.Error())
		return err
	}

	// #nosec G204 -- command and fixed args come from the operator's config; request values are passed as separate argv entries
	cmd := exec.CommandContext(ctx, w.Cfg.Worker.Command, w.Args(job)...)
	cmd.Env = env
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.Tracker.Abort(job.ID, "failed to start worker: "+err.Error())
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.Tracker.Abort(job.ID, "failed to start worker: "+err.Error())
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		w.Tracker.Abort(job.ID, "failed to start worker: "+err.Error())
		return fmt.Errorf("start worker: %w", err)
	}
	log.Debug("worker started", "pid", cmd.Process.Pid, "command", w.Cfg.Worker.Command)

	// Both pipes must be drained before Wait closes them.
	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdout, log, func(line string) { w.Tracker.HandleOutput(job.ID, line) })
	})
	g.Go(func() error {
		return readLines(stderr, log, func(line string) { w.Tracker.HandleDiagnostic(job.ID, line) })
	})
	if err := g.Wait(); err != nil {
		log.Warn("reading worker output", "err", err)
	}

	code := exitCode(cmd.Wait())
	log.Debug("worker exited", "code", code)

	// Resolution must not be skipped on shutdown; HandleExit shortens its wait instead.
	w.Tracker.HandleExit(ctx, job.ID, code)
	return nil
}

// Args builds the worker's argument list: configured args, the target URL,
// then the request options as flags.
func (w *Worker) Args(job jobs.Job) []string {
	args := make([]string, 0, len(w.Cfg.Worker.Args)+7)
	args = append(args, w.Cfg.Worker.Args...)
	args = append(args, job.TargetURL, common.FlagSource, string(job.Source))
	if job.Caption != "" {
		args = append(args, common.FlagCaption, job.Caption)
	}
	if job.Hashtags != "" {
		args = append(args, common.FlagHashtags, job.Hashtags)
	}
	return args
}

func (w *Worker) env(job jobs.Job, workDir string) ([]string, error) {
	env := append(os.Environ(),
		common.EnvJobID+"="+job.ID,
		common.EnvWorkDir+"="+workDir,
	)
	if w.Tokens == nil {
		return env, nil
	}
	rec, ok, err := w.Tokens.Load()
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}
	if ok {
		env = append(env, common.EnvAccessToken+"="+rec.AccessToken)
	}
	return env, nil
}

// readLines calls fn for every non-blank line of r, in order. Lines longer
// than maxLineSize are cut to that length and reading carries on.
func readLines(r io.Reader, log *slog.Logger, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	truncated := false
	emit := func() {
		if truncated {
			log.Warn("worker output line truncated", "limit", maxLineSize)
		}
		line := strings.TrimRight(string(buf), "\r")
		buf, truncated = buf[:0], false
		if strings.TrimSpace(line) != "" {
			fn(line)
		}
	}
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(buf) > 0 {
				emit()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if room := maxLineSize - len(buf); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			emit()
		}
	}
}

// exitCode maps the result of cmd.Wait to a process exit code. A process
// killed by a signal reports -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type callbackPayload struct {
	JobID  string   `json:"jobId"`
	Status string   `json:"status"` // completed|failed
	Error  *string  `json:"error,omitempty"`
	Job    jobs.Job `json:"jobStatus"`
}

func newCallbackPayload(job jobs.Job) callbackPayload {
	p := callbackPayload{
		JobID:  job.ID,
		Status: common.StatusCompleted,
		Job:    job,
	}
	if !job.Success {
		p.Status = common.StatusFailed
		msg := job.Error
		p.Error = &msg
	}
	return p
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max := w.Cfg.Server.CallbackRetries
	if max <= 0 {
		max = 3
	}
	backoff := w.Cfg.Server.CallbackBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := w.postJSON(ctx, url, payload); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			if attempt == max {
				break
			}
			select {
			case <-time.After(time.Duration(attempt) * backoff):
			case <-ctx.Done():
				return lastErr
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
