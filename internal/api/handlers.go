package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/npezzotti/jobpulse/internal/backend"
	"github.com/npezzotti/jobpulse/internal/cache"
	"github.com/npezzotti/jobpulse/internal/database"
	"github.com/npezzotti/jobpulse/internal/notify"
	"github.com/npezzotti/jobpulse/internal/realtime"
	"github.com/npezzotti/jobpulse/internal/types"
)

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 500
)

type ConnectionResponse struct {
	State         realtime.State `json:"state"`
	Attempts      int            `json:"attempts"`
	Authenticated bool           `json:"authenticated"`
}

type NotificationsResponse struct {
	Page          int                  `json:"page"`
	Notifications []types.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
	TotalUnread   int                  `json:"total_unread"`
}

type JobsResponse struct {
	Collection string      `json:"collection"`
	Stale      bool        `json:"stale"`
	Jobs       []types.Job `json:"jobs"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *App) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive != nil {
		if err := s.deps.Archive.Ping(); err != nil {
			s.writeError(w, NewServiceUnavailableError(err))
			return
		}
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *App) connection(w http.ResponseWriter, r *http.Request) {
	resp := ConnectionResponse{State: realtime.StateIdle}
	if s.deps.Conn != nil {
		resp.State = s.deps.Conn.State()
		resp.Attempts = s.deps.Conn.Attempts()
	}
	if s.deps.Credential != nil {
		resp.Authenticated = s.deps.Credential.Valid(s.now())
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *App) getNotifications(w http.ResponseWriter, r *http.Request) {
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			s.writeError(w, NewBadRequestError("invalid page"))
			return
		}
		page = n
	}
	refresh := r.URL.Query().Get("refresh") == "true"

	store := s.deps.Notifications
	np, cached := store.Page(page)
	if refresh || !cached {
		loaded, err := store.LoadPage(r.Context(), page)
		switch {
		case err == nil:
			np = loaded
		case errors.Is(err, notify.ErrNoBackend):
		default:
			s.writeError(w, NewBadGatewayError("failed to load notifications", err))
			return
		}
	}

	if np.Notifications == nil {
		np.Notifications = []types.Notification{}
	}

	s.writeJson(w, http.StatusOK, NotificationsResponse{
		Page:          page,
		Notifications: np.Notifications,
		UnreadCount:   np.UnreadCount,
		TotalUnread:   store.UnreadCount(),
	})
}

func (s *App) markRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, NewBadRequestError("missing notification id"))
		return
	}

	if err := s.deps.Notifications.MarkRead(r.Context(), id); err != nil {
		s.writeError(w, NewBadGatewayError("failed to mark notification read", err))
		return
	}

	if s.deps.Archive != nil {
		err := s.deps.Archive.MarkNotificationRead(r.Context(), id)
		if err != nil && !errors.Is(err, database.ErrNotificationNotFound) {
			s.log.Printf("archive: %v", err)
		}
	}

	s.writeJson(w, http.StatusOK, map[string]any{
		"id":           id,
		"read":         true,
		"total_unread": s.deps.Notifications.UnreadCount(),
	})
}

func (s *App) getArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, NewNotFoundError())
		return
	}

	limit := defaultArchiveLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxArchiveLimit {
			s.writeError(w, NewBadRequestError("invalid limit"))
			return
		}
		limit = n
	}

	userId, err := s.deps.Credential.UserId()
	if err != nil {
		s.writeError(w, NewAuthRequiredError(err))
		return
	}

	notifications, err := s.deps.Archive.ListNotifications(r.Context(), userId, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if notifications == nil {
		notifications = []types.Notification{}
	}

	s.writeJson(w, http.StatusOK, notifications)
}

func (s *App) getJobs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("collection")
	c, ok := s.deps.Caches.Get(name)
	if !ok {
		s.writeError(w, NewNotFoundError())
		return
	}

	jobs := c.Jobs()
	if jobs == nil {
		jobs = []types.Job{}
	}

	s.writeJson(w, http.StatusOK, JobsResponse{
		Collection: name,
		Stale:      c.Stale(),
		Jobs:       jobs,
	})
}

func (s *App) getJobDetail(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Caches.Fetch(r.Context(), cache.JobDetail, r.PathValue("id"))
	if err != nil {
		s.writeError(w, fetchError(err))
		return
	}

	s.writeJson(w, http.StatusOK, jobs[0])
}

func (s *App) getRelatedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Caches.Fetch(r.Context(), cache.Related, r.PathValue("id"))
	if err != nil {
		s.writeError(w, fetchError(err))
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}

	s.writeJson(w, http.StatusOK, JobsResponse{
		Collection: cache.Related,
		Jobs:       jobs,
	})
}

func fetchError(err error) *ApiError {
	var apiErr *backend.ApiError
	switch {
	case errors.Is(err, cache.ErrUnknownCollection):
		return NewNotFoundError()
	case backend.IsUnauthorized(err):
		return NewAuthRequiredError(err)
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		return NewNotFoundError()
	default:
		return NewBadGatewayError("failed to load jobs", err)
	}
}

func (s *App) toggleSave(w http.ResponseWriter, r *http.Request) {
	jobId := r.PathValue("id")
	if jobId == "" {
		s.writeError(w, NewBadRequestError("missing job id"))
		return
	}

	res, err := s.deps.Toggler.Toggle(r.Context(), jobId)
	switch {
	case err == nil:
		s.writeJson(w, http.StatusOK, res)
	case errors.Is(err, cache.ErrAuthRequired):
		s.writeError(w, NewAuthRequiredError(nil))
	default:
		s.writeError(w, NewBadGatewayError(cache.ErrToggleFailed.Error(), err))
	}
}
