package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jo-hoe/reposter/internal/common"
	"github.com/jo-hoe/reposter/internal/config"
	"github.com/jo-hoe/reposter/internal/jobs"
	"github.com/jo-hoe/reposter/internal/storage"
	"github.com/jo-hoe/reposter/internal/tokens"
	"github.com/jo-hoe/reposter/internal/tracker"
	"github.com/jo-hoe/reposter/internal/util"
)

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Registry  *jobs.Registry
	Queue     *jobs.Queue
	Tracker   *tracker.Tracker
	Tokens    tokens.Store // optional
	Workspace *storage.Workspace
	Limiter   *rate.Limiter // optional, limits submissions
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Routes(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

// Routes returns the API router.
func (svc *Service) Routes() http.Handler {
	if svc.Log == nil {
		svc.Log = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, svc.Log) })
	r.Use(func(next http.Handler) http.Handler { return recoveryMiddleware(next, svc.Log) })

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get(common.PathAPITest, svc.handleAPITest)

	r.With(svc.limitBody).Post(common.PathRepost, svc.handleRepost)
	r.Get(common.PathStatus+"/{id}", svc.handleStatus)

	r.Get(common.PathAuthStatus, svc.handleAuthStatus)
	r.With(svc.limitBody).Post(common.PathAuthToken, svc.handleAuthToken)
	r.Post(common.PathAuthLogout, svc.handleAuthLogout)
	r.Get(common.PathAuthLogout, svc.handleAuthLogout)
	return r
}

func (svc *Service) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := safeInt64(svc.Cfg.Server.MaxBodySize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func (svc *Service) handleAPITest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "Backend server is running",
		"queued_jobs":  svc.Queue.Pending(),
		"tracked_jobs": svc.Registry.Len(),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

// repostRequest accepts the web client's camelCase names; the snake_case
// aliases are kept for scripted callers.
type repostRequest struct {
	VideoURL         string `json:"videoUrl"`
	VideoURLAlias    string `json:"video_url"`
	Caption          string `json:"caption"`
	Hashtags         string `json:"hashtags"`
	Source           string `json:"source"`
	CallbackURL      string `json:"callbackUrl"`
	CallbackURLAlias string `json:"callback_url"`
}

type rejectedResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	JobID   string `json:"jobId"`
}

type createResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

func (svc *Service) handleRepost(w http.ResponseWriter, r *http.Request) {
	if svc.Limiter != nil && !svc.Limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many requests, try later")
		return
	}

	var body repostRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	req, msg := svc.buildRequest(body)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	job, err := svc.Registry.Create(req)
	if err != nil {
		svc.Log.Error("create job", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log := svc.Log.With("job_id", job.ID)
	log.Info("job created", "source", job.Source, "video_url", job.TargetURL)

	dir, cleanup, err := svc.Workspace.Prepare(job.ID)
	if err != nil {
		log.Error("prepare workspace", "err", err)
		svc.Tracker.Abort(job.ID, "internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// The queue runs cleanup once the worker is done.
	err = svc.Queue.Enqueue(jobs.WorkItem{Job: job, WorkDir: dir, Cleanup: cleanup})
	if err != nil {
		_ = cleanup()
		reason := "service unavailable"
		if errors.Is(err, jobs.ErrQueueFull) {
			reason = "job queue is full"
			log.Warn("queue full, job rejected")
		} else {
			log.Error("enqueue job", "err", err)
		}
		// The record stays queryable so clients can see why it failed.
		svc.Tracker.Abort(job.ID, reason)
		writeJSON(w, http.StatusServiceUnavailable, rejectedResponse{Success: false, Error: reason, JobID: job.ID})
		return
	}
	log.Info("job enqueued")

	writeJSON(w, http.StatusAccepted, createResponse{
		Success:   true,
		JobID:     job.ID,
		StatusURL: path.Join(common.PathStatus, job.ID),
	})
}

// buildRequest validates a submission and applies the configured defaults.
// A non-empty message describes why the submission is invalid.
func (svc *Service) buildRequest(body repostRequest) (jobs.Request, string) {
	target := util.FirstNonEmpty(body.VideoURL, body.VideoURLAlias)
	if target == "" {
		return jobs.Request{}, "Video URL is required"
	}
	src, err := jobs.ParseSource(body.Source)
	if err != nil {
		return jobs.Request{}, err.Error()
	}
	if err := jobs.ValidateTarget(src, target); err != nil {
		return jobs.Request{}, err.Error()
	}
	callbackURL, err := parseOptionalURL(util.FirstNonEmpty(body.CallbackURL, body.CallbackURLAlias))
	if err != nil {
		return jobs.Request{}, "invalid callbackUrl"
	}
	return jobs.Request{
		TargetURL:   target,
		Caption:     util.FirstNonEmpty(body.Caption, svc.Cfg.Worker.DefaultCaption),
		Hashtags:    util.NormalizeHashtags(util.FirstNonEmpty(body.Hashtags, svc.Cfg.Worker.DefaultHashtags)),
		Source:      src,
		CallbackURL: callbackURL,
	}, ""
}

type statusResponse struct {
	Success bool     `json:"success"`
	Job     jobs.Job `json:"jobStatus"`
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Job: job})
}

type authUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	ProfilePicURL *string `json:"profile_pic_url"`
}

type authStatusResponse struct {
	Authenticated bool      `json:"authenticated"`
	User          *authUser `json:"user,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func (svc *Service) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if svc.Tokens == nil {
		writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}
	rec, ok, err := svc.Tokens.Load()
	if err != nil {
		svc.Log.Error("load token", "err", err)
		writeJSON(w, http.StatusInternalServerError, authStatusResponse{Error: "failed to check authentication status"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}
	writeJSON(w, http.StatusOK, authStatusResponse{
		Authenticated: true,
		User:          &authUser{ID: rec.UserID, Username: rec.Username, ProfilePicURL: rec.ProfilePicURL},
	})
}

type tokenRequest struct {
	AccessToken   string  `json:"access_token"`
	UserID        string  `json:"user_id"`
	Username      string  `json:"username"`
	ProfilePicURL *string `json:"profile_pic_url"`
}

func (svc *Service) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if svc.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token store not configured")
		return
	}
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	err := svc.Tokens.Save(tokens.Record{
		AccessToken:   body.AccessToken,
		UserID:        body.UserID,
		Username:      body.Username,
		ProfilePicURL: body.ProfilePicURL,
	})
	if errors.Is(err, tokens.ErrInvalidRecord) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		svc.Log.Error("save token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	svc.Log.Info("access token saved", "username", body.Username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (svc *Service) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if svc.Tokens != nil {
		if err := svc.Tokens.Clear(); err != nil {
			svc.Log.Error("clear token", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to logout")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Successfully logged out"})
}

// decodeJSON reads a JSON body into v and writes the error response itself
// when it cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid json body")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func parseOptionalURL(s string) (*string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil, nil
	}
	u, err := url.ParseRequestURI(v)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("unsupported scheme")
	}
	return &v, nil
}

// requestIDHeader echoes the id assigned by middleware.RequestID to the client.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(common.HeaderRequestID, id)
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
