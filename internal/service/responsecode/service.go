package responsecode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/distlock"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// Service allocates response codes and keeps the pool populated.
type Service struct {
	repo Repository
	lock distlock.DistLock
	now  func() time.Time
}

// NewService creates a response code service. lock guards EnsurePopulated
// across workers and may be nil for a single process.
func NewService(repo Repository, lock distlock.DistLock) *Service {
	return &Service{repo: repo, lock: lock, now: time.Now}
}

// Allocate issues one code and marks it used. It satisfies
// dispatch.ResponseCodeAllocator.
func (s *Service) Allocate(ctx context.Context) (string, error) {
	t := s.now().UTC()
	reuseBefore := t.AddDate(0, 0, -domain.ResponseCodeReuseDays)
	rc, err := s.repo.Claim(ctx, t, reuseBefore, domain.ResponseCodeSampleSize)
	if err != nil {
		return "", fmt.Errorf("claim response code: %w", err)
	}
	if rc == nil {
		return "", ErrPoolExhausted
	}
	return rc.Code, nil
}

// EnsurePopulated inserts any pool codes that are missing and returns how
// many were added. When another worker holds the lock it returns 0, nil.
func (s *Service) EnsurePopulated(ctx context.Context) (int, error) {
	if s.lock == nil {
		return s.populate(ctx)
	}
	var added int
	err := distlock.Do(ctx, s.lock, func(ctx context.Context) error {
		n, err := s.populate(ctx)
		added = n
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		logger.Debug("response code population running elsewhere")
		return 0, nil
	}
	return added, err
}

func (s *Service) populate(ctx context.Context) (int, error) {
	existing, err := s.repo.ExistingCodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list response codes: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	var missing []string
	for _, c := range domain.AllResponseCodes() {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := s.repo.InsertCodes(ctx, missing); err != nil {
		return 0, fmt.Errorf("insert response codes: %w", err)
	}
	logger.Info("response code pool populated", "added", len(missing))
	return len(missing), nil
}
