package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/colony-core/internal/common"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

type Service struct {
	repo             *Repo
	defaultAgentType string
	now              func() time.Time
}

func NewService(repo *Repo, defaultAgentType string) *Service {
	if defaultAgentType == "" {
		defaultAgentType = "gemini-vision"
	}
	return &Service{repo: repo, defaultAgentType: defaultAgentType, now: time.Now}
}

func NewJobID() (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	return "job-" + id, nil
}

// Submit accepts any prompt, including an empty one. The default agent type
// applies only when agentType is nil; an explicit "" is stored as given.
func (s *Service) Submit(ctx context.Context, prompt string, agentType *string) (*Job, error) {
	at := s.defaultAgentType
	if agentType != nil {
		at = *agentType
	}
	id, err := NewJobID()
	if err != nil {
		return nil, err
	}
	j := &Job{
		ID:        id,
		Status:    JobPending,
		Prompt:    prompt,
		AgentType: at,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.repo.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) Poll(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	return s.repo.Get(ctx, id)
}

// QueueDepth is the number of ids still waiting for a worker.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.repo.PendingLen(ctx)
}

// Next pops the next pending id and loads its record.
// An id whose record already expired returns ErrJobNotFound together with the id.
func (s *Service) Next(ctx context.Context, wait time.Duration) (string, *Job, error) {
	id, err := s.repo.PopPending(ctx, wait)
	if err != nil {
		return "", nil, err
	}
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, j, nil
}

func (s *Service) MarkRunning(ctx context.Context, id string) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status != JobPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobRunning)
		}
		j.Status = JobRunning
		return nil
	})
}

func (s *Service) Complete(ctx context.Context, id string, result json.RawMessage) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobDone)
		}
		j.Status = JobDone
		j.Result = result
		j.Error = nil
		return nil
	})
}

func (s *Service) Fail(ctx context.Context, id string, msg string) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobFailed)
		}
		j.Status = JobFailed
		j.Result = nil
		j.Error = &msg
		return nil
	})
}

func (s *Service) update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = s.now().UnixMilli()
	if err := s.repo.Save(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}
