package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/jo-hoe/reposter/internal/common"
	"github.com/jo-hoe/reposter/internal/config"
	"github.com/jo-hoe/reposter/internal/jobs"
	"github.com/jo-hoe/reposter/internal/storage"
	"github.com/jo-hoe/reposter/internal/tokens"
	"github.com/jo-hoe/reposter/internal/tracker"
)

// scriptedProcessor replays lines through the tracker instead of running a process.
type scriptedProcessor struct {
	tr      *tracker.Tracker
	lines   []string
	code    int
	started chan string
	release chan struct{}
}

func (p *scriptedProcessor) Process(ctx context.Context, item jobs.WorkItem) error {
	if p.started != nil {
		p.started <- item.Job.ID
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
		}
	}
	for _, l := range p.lines {
		p.tr.HandleOutput(item.Job.ID, l)
	}
	p.tr.HandleExit(ctx, item.Job.ID, p.code)
	return nil
}

type slogDiscard struct{}

func (s slogDiscard) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	svc     *Service
	handler http.Handler
	proc    *scriptedProcessor
}

func newFixture(t *testing.T, queueCap int, start bool) *fixture {
	t.Helper()
	logger := slogDiscard{}.Logger()
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxBodySize: config.ByteSize(4 * 1024),
			StorageDir:  t.TempDir(),
		},
		Worker: config.WorkerConfig{
			DefaultCaption:  "Check out this video!",
			DefaultHashtags: "reels fyp",
		},
		Tracker: config.TrackerConfig{
			Keywords:          config.DefaultKeywords(),
			SuccessIndicators: config.DefaultSuccessIndicators(),
		},
	}
	reg := jobs.NewRegistry()
	tr := tracker.New(logger, reg, cfg.Tracker)
	queue := jobs.NewQueue(logger, queueCap, 1)
	proc := &scriptedProcessor{tr: tr, lines: []string{"STEP_MARKER: upload_started", "STEP_MARKER: upload_completed"}}
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(func() {
			cancel()
			queue.Shutdown(2 * time.Second)
		})
		if err := queue.Start(ctx, proc); err != nil {
			t.Fatalf("queue start: %v", err)
		}
	}

	store, err := tokens.NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open token store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := &Service{
		Log:       logger,
		Cfg:       cfg,
		Registry:  reg,
		Queue:     queue,
		Tracker:   tr,
		Tokens:    store,
		Workspace: storage.NewWorkspace(cfg.Server.StorageDir),
	}
	return &fixture{svc: svc, handler: svc.Routes(), proc: proc}
}

func (f *fixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", common.ContentTypeJSON)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) waitCompleted(t *testing.T, id string) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := f.svc.Registry.Get(id); ok && j.Completed {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not complete", id)
	return jobs.Job{}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 2, false)
	rec := f.do(t, http.MethodGet, common.PathHealthz, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(common.HeaderRequestID) == "" {
		t.Fatalf("expected %s header", common.HeaderRequestID)
	}
	var m map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil || m["status"] != "ok" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestAPITest(t *testing.T) {
	f := newFixture(t, 2, false)
	rec := f.do(t, http.MethodGet, common.PathAPITest, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode[map[string]any](t, rec)
	if m["success"] != true {
		t.Fatalf("unexpected body: %v", m)
	}
}

func TestRepost_Accepted_ThenCompleted(t *testing.T) {
	f := newFixture(t, 2, true)
	rec := f.do(t, http.MethodPost, common.PathRepost, `{"videoUrl":"https://www.instagram.com/reel/abc/","hashtags":"travel #food"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[createResponse](t, rec)
	if !resp.Success || resp.JobID == "" {
		t.Fatalf("bad response: %+v", resp)
	}
	if resp.StatusURL != common.PathStatus+"/"+resp.JobID {
		t.Fatalf("statusUrl = %q", resp.StatusURL)
	}

	job := f.waitCompleted(t, resp.JobID)
	if !job.Success || job.Error != "" {
		t.Fatalf("expected success, got %+v", job)
	}
	if job.Caption != "Check out this video!" {
		t.Fatalf("default caption not applied: %q", job.Caption)
	}
	if job.Hashtags != "#travel #food" {
		t.Fatalf("hashtags not normalized: %q", job.Hashtags)
	}
	if job.Source != jobs.SourceInstagram {
		t.Fatalf("source = %q", job.Source)
	}

	st := f.do(t, http.MethodGet, resp.StatusURL, "")
	if st.Code != http.StatusOK {
		t.Fatalf("status code = %d", st.Code)
	}
	var out struct {
		Success bool `json:"success"`
		Job     struct {
			ID          string          `json:"id"`
			Completed   bool            `json:"completed"`
			Success     bool            `json:"success"`
			CurrentStep string          `json:"currentStep"`
			Steps       []string        `json:"steps"`
			Phases      jobs.Phases     `json:"phases"`
			Log         json.RawMessage `json:"log"`
		} `json:"jobStatus"`
	}
	if err := json.Unmarshal(st.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !out.Success || out.Job.ID != resp.JobID || !out.Job.Completed || !out.Job.Success {
		t.Fatalf("unexpected status body: %s", st.Body.String())
	}
	if !out.Job.Phases.Upload.Completed || out.Job.Phases.Upload.Current {
		t.Fatalf("upload phase not completed: %+v", out.Job.Phases)
	}
	if len(out.Job.Steps) != 2 {
		t.Fatalf("steps = %v", out.Job.Steps)
	}
	if out.Job.CurrentStep != string(jobs.PhaseUpload) {
		t.Fatalf("currentStep = %q", out.Job.CurrentStep)
	}
}

// The web client submits camelCase fields and reads jobId, then polls
// jobStatus.{completed,success,phases,currentStep}.
func TestRepost_WebClientWireNames(t *testing.T) {
	f := newFixture(t, 2, true)
	rec := f.do(t, http.MethodPost, common.PathRepost,
		`{"videoUrl":"https://youtube.com/shorts/xyz","caption":"hi","hashtags":"#a","source":"youtube"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]any](t, rec)
	id, _ := created["jobId"].(string)
	if created["success"] != true || id == "" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	f.waitCompleted(t, id)

	st := f.do(t, http.MethodGet, common.PathStatus+"/"+id, "")
	body := decode[map[string]any](t, st)
	status, ok := body["jobStatus"].(map[string]any)
	if !ok {
		t.Fatalf("missing jobStatus: %s", st.Body.String())
	}
	for _, key := range []string{"completed", "success", "phases", "currentStep", "steps", "log", "videoUrl"} {
		if _, ok := status[key]; !ok {
			t.Fatalf("jobStatus lacks %q: %s", key, st.Body.String())
		}
	}
	if status["completed"] != true || status["success"] != true || status["source"] != "youtube" {
		t.Fatalf("unexpected jobStatus: %v", status)
	}
}

func TestRepost_SnakeCaseAliases(t *testing.T) {
	f := newFixture(t, 2, true)
	rec := f.do(t, http.MethodPost, common.PathRepost,
		`{"video_url":"https://www.instagram.com/reel/abc/","callback_url":"ftp://x/y"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("callback_url alias not validated: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, common.PathRepost, `{"video_url":"https://www.instagram.com/reel/abc/"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	f.waitCompleted(t, decode[createResponse](t, rec).JobID)
}

func TestRepost_WorkspaceRemovedAfterRun(t *testing.T) {
	f := newFixture(t, 2, true)
	rec := f.do(t, http.MethodPost, common.PathRepost, `{"videoUrl":"https://youtu.be/xyz","source":"youtube"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	id := decode[createResponse](t, rec).JobID
	f.waitCompleted(t, id)

	dir := filepath.Join(f.svc.Workspace.Root(), id)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workspace %s not cleaned up", dir)
}

func TestRepost_BadRequests(t *testing.T) {
	f := newFixture(t, 2, false)
	cases := map[string]string{
		"invalid json":     `{"videoUrl":`,
		"missing url":      `{"caption":"x"}`,
		"unknown source":   `{"videoUrl":"https://www.instagram.com/reel/abc/","source":"tiktok"}`,
		"wrong platform":   `{"videoUrl":"https://youtube.com/shorts/abc","source":"instagram"}`,
		"relative url":     `{"videoUrl":"instagram.com/reel/abc"}`,
		"invalid callback": `{"videoUrl":"https://www.instagram.com/reel/abc/","callbackUrl":"ftp://x/y"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, common.PathRepost, body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			resp := decode[errorResponse](t, rec)
			if resp.Success || resp.Error == "" {
				t.Fatalf("unexpected body: %s", rec.Body.String())
			}
		})
	}
	if n := f.svc.Registry.Len(); n != 0 {
		t.Fatalf("invalid submissions created %d jobs", n)
	}
}

func TestRepost_BodyTooLarge(t *testing.T) {
	f := newFixture(t, 2, false)
	big := `{"videoUrl":"https://www.instagram.com/reel/abc/","caption":"` + strings.Repeat("x", 8*1024) + `"}`
	rec := f.do(t, http.MethodPost, common.PathRepost, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRepost_RateLimited(t *testing.T) {
	f := newFixture(t, 4, true)
	f.svc.Limiter = rate.NewLimiter(rate.Limit(0), 1)
	body := `{"videoUrl":"https://www.instagram.com/reel/abc/"}`

	if rec := f.do(t, http.MethodPost, common.PathRepost, body); rec.Code != http.StatusAccepted {
		t.Fatalf("first submission: expected 202, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, common.PathRepost, body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submission: expected 429, got %d", rec.Code)
	}
}

func TestRepost_QueueFullFailsJob(t *testing.T) {
	f := newFixture(t, 1, false)
	f.proc.started = make(chan string, 4)
	f.proc.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.svc.Queue.Start(ctx, f.proc); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		f.svc.Queue.Shutdown(2 * time.Second)
	})
	body := `{"videoUrl":"https://www.instagram.com/reel/abc/"}`

	// First job occupies the only worker, second fills the buffer.
	if rec := f.do(t, http.MethodPost, common.PathRepost, body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-f.proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick up first job")
	}
	if rec := f.do(t, http.MethodPost, common.PathRepost, body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, common.PathRepost, body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	resp := decode[rejectedResponse](t, rec)
	if resp.JobID == "" || resp.Error != "job queue is full" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	job, ok := f.svc.Registry.Get(resp.JobID)
	if !ok || !job.Completed || job.Success || job.Error != "job queue is full" {
		t.Fatalf("rejected job not failed: %+v", job)
	}
	close(f.proc.release)
}

func TestRepost_QueueNotRunning(t *testing.T) {
	f := newFixture(t, 1, false)
	rec := f.do(t, http.MethodPost, common.PathRepost, `{"videoUrl":"https://www.instagram.com/p/abc/"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	resp := decode[rejectedResponse](t, rec)
	if job, ok := f.svc.Registry.Get(resp.JobID); !ok || !job.Completed || job.Success {
		t.Fatalf("job not failed: %+v", job)
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	f := newFixture(t, 1, false)
	rec := f.do(t, http.MethodGet, common.PathStatus+"/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Success || resp.Error != "job not found" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if f.svc.Registry.Len() != 0 {
		t.Fatalf("lookup must not create records")
	}
}

func TestAuth_TokenLifecycle(t *testing.T) {
	f := newFixture(t, 1, false)

	st := decode[authStatusResponse](t, f.do(t, http.MethodGet, common.PathAuthStatus, ""))
	if st.Authenticated {
		t.Fatalf("expected unauthenticated before a token is stored")
	}

	rec := f.do(t, http.MethodPost, common.PathAuthToken, `{"access_token":"tok","user_id":"42"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete record: expected 400, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, common.PathAuthToken, `{"access_token":"secret-token-value","user_id":"42","username":"reposter"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	st = decode[authStatusResponse](t, f.do(t, http.MethodGet, common.PathAuthStatus, ""))
	if !st.Authenticated || st.User == nil || st.User.Username != "reposter" || st.User.ID != "42" {
		t.Fatalf("unexpected auth status: %+v", st)
	}
	if bytes.Contains(f.do(t, http.MethodGet, common.PathAuthStatus, "").Body.Bytes(), []byte("secret-token-value")) {
		t.Fatalf("auth status must not expose the access token")
	}

	rec = f.do(t, http.MethodPost, common.PathAuthLogout, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}
	st = decode[authStatusResponse](t, f.do(t, http.MethodGet, common.PathAuthStatus, ""))
	if st.Authenticated {
		t.Fatalf("expected unauthenticated after logout")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), slogDiscard{}.Logger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
