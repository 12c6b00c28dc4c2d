package responsecode

import (
	"context"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// Repository defines the data access contract for the response code pool.
type Repository interface {
	// ExistingCodes returns every code currently stored in the pool.
	ExistingCodes(ctx context.Context) ([]string, error)

	// InsertCodes adds never-used codes to the pool. Codes that already
	// exist are skipped.
	InsertCodes(ctx context.Context, codes []string) error

	// Claim atomically picks one code last used before reuseBefore (or
	// never used), stamps it with usedAt, and returns it. The pick is random
	// within the first sampleSize candidates. Returns nil, nil when no code
	// is available.
	Claim(ctx context.Context, usedAt, reuseBefore time.Time, sampleSize int) (*domain.ResponseCode, error)
}
