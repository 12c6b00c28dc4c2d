package responsecode_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/distlock"
	"github.com/ignite/comm-dispatch/internal/service/responsecode"
)

// memRepo is an in-memory response code pool for unit testing.
type memRepo struct {
	mu    sync.Mutex
	codes map[string]*time.Time
	order []string
}

func newMemRepo() *memRepo {
	return &memRepo{codes: make(map[string]*time.Time)}
}

func (m *memRepo) ExistingCodes(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	return append(out, m.order...), nil
}

func (m *memRepo) InsertCodes(_ context.Context, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range codes {
		if _, ok := m.codes[c]; ok {
			continue
		}
		m.codes[c] = nil
		m.order = append(m.order, c)
	}
	return nil
}

func (m *memRepo) Claim(_ context.Context, usedAt, reuseBefore time.Time, sampleSize int) (*domain.ResponseCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sample []string
	for _, c := range m.order {
		if last := m.codes[c]; last == nil || last.Before(reuseBefore) {
			sample = append(sample, c)
			if len(sample) == sampleSize {
				break
			}
		}
	}
	if len(sample) == 0 {
		return nil, nil
	}
	pick := sample[rand.Intn(len(sample))]
	t := usedAt
	m.codes[pick] = &t
	return &domain.ResponseCode{Code: pick, LastUsedAt: &t}, nil
}

func TestEnsurePopulated(t *testing.T) {
	repo := newMemRepo()
	repo.InsertCodes(context.Background(), []string{"@100", "@101"})
	svc := responsecode.NewService(repo, nil)

	added, err := svc.EnsurePopulated(context.Background())
	if err != nil {
		t.Fatalf("EnsurePopulated: %v", err)
	}
	want := len(domain.AllResponseCodes()) - 2
	if added != want {
		t.Errorf("added = %d, want %d", added, want)
	}
	if _, ok := repo.codes["@666"]; ok {
		t.Error("blacklisted code inserted")
	}
	if _, ok := repo.codes["@911"]; ok {
		t.Error("blacklisted code inserted")
	}

	added, err = svc.EnsurePopulated(context.Background())
	if err != nil || added != 0 {
		t.Errorf("second run added %d, err %v", added, err)
	}
}

func TestEnsurePopulatedSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	holder := distlock.NewRedisLock(client, "responsecode:populate", time.Minute)
	if ok, err := holder.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("Acquire: %v %v", ok, err)
	}

	repo := newMemRepo()
	svc := responsecode.NewService(repo, distlock.NewRedisLock(client, "responsecode:populate", time.Minute))
	added, err := svc.EnsurePopulated(context.Background())
	if err != nil || added != 0 {
		t.Fatalf("added %d, err %v", added, err)
	}
	if len(repo.order) != 0 {
		t.Error("populated while another worker held the lock")
	}
}

func TestAllocateUnique(t *testing.T) {
	repo := newMemRepo()
	svc := responsecode.NewService(repo, nil)
	if _, err := svc.EnsurePopulated(context.Background()); err != nil {
		t.Fatalf("EnsurePopulated: %v", err)
	}

	const n = 200
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := svc.Allocate(context.Background())
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			codes <- c
		}()
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]bool, n)
	for c := range codes {
		if seen[c] {
			t.Errorf("code %s issued twice", c)
		}
		seen[c] = true
	}
	if len(seen) != n {
		t.Errorf("issued %d codes, want %d", len(seen), n)
	}
}

func TestAllocateRespectsReuseWindow(t *testing.T) {
	repo := newMemRepo()
	recent := time.Now().AddDate(0, 0, -domain.ResponseCodeReuseDays+1)
	stale := time.Now().AddDate(0, 0, -domain.ResponseCodeReuseDays-1)
	repo.InsertCodes(context.Background(), []string{"@100", "@101"})
	repo.codes["@100"] = &recent
	repo.codes["@101"] = &stale

	svc := responsecode.NewService(repo, nil)
	c, err := svc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if c != "@101" {
		t.Errorf("allocated %s, want the code outside the reuse window", c)
	}

	_, err = svc.Allocate(context.Background())
	if !errors.Is(err, responsecode.ErrPoolExhausted) {
		t.Errorf("err = %v, want ErrPoolExhausted", err)
	}
}
