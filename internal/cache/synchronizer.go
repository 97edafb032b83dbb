package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/jobpulse/internal/backend"
	"github.com/npezzotti/jobpulse/internal/stats"
)

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrToggleFailed = errors.New("failed to update saved job")
)

// Saver issues the save toggle request.
type Saver interface {
	ToggleSave(ctx context.Context, token, jobId string) (backend.ToggleResponse, error)
}

// TokenSource is satisfied by *auth.Credential.
type TokenSource interface {
	Token() string
	Valid(now time.Time) bool
}

type Result struct {
	JobId   string `json:"job_id"`
	Saved   bool   `json:"is_saved"`
	Message string `json:"message"`
}

// Synchronizer toggles a job's saved flag on the backend while keeping
// every registered collection consistent with the request in flight.
type Synchronizer struct {
	log   *log.Logger
	reg   *Registry
	cred  TokenSource
	saver Saver
	stats stats.StatsProvider
	now   func() time.Time
}

func NewSynchronizer(logger *log.Logger, reg *Registry, cred TokenSource, saver Saver, su stats.StatsProvider) *Synchronizer {
	if su == nil {
		su = stats.Nop{}
	}

	return &Synchronizer{
		log:   logger,
		reg:   reg,
		cred:  cred,
		saver: saver,
		stats: su,
		now:   time.Now,
	}
}

func (s *Synchronizer) Registry() *Registry {
	return s.reg
}

// Toggle flips the saved flag of jobId. The new value is visible in every
// collection before the request is sent. On failure every collection is
// restored, and the error is ErrAuthRequired for a missing or rejected
// credential, otherwise ErrToggleFailed wrapping the cause.
//
// Once sent, the request is not cancelled with ctx: the backend may
// already have applied it, so it runs until it completes or the client
// times out.
func (s *Synchronizer) Toggle(ctx context.Context, jobId string) (Result, error) {
	if !s.cred.Valid(s.now()) {
		return Result{}, ErrAuthRequired
	}
	token := s.cred.Token()

	tx := s.reg.Begin(jobId)
	s.log.Printf("toggling job %s saved=%t", jobId, tx.Value)

	resp, err := s.saver.ToggleSave(context.WithoutCancel(ctx), token, jobId)
	if err != nil {
		restored := tx.Rollback()
		s.stats.Incr(stats.Rollbacks)
		s.log.Printf("toggle job %s failed, restored=%t: %v", jobId, restored, err)

		if backend.IsUnauthorized(err) {
			return Result{}, ErrAuthRequired
		}
		return Result{}, fmt.Errorf("%w: %w", ErrToggleFailed, err)
	}

	tx.Commit()

	return Result{
		JobId:   jobId,
		Saved:   tx.Value,
		Message: resp.Message,
	}, nil
}
