// Package retention periodically prunes the debate archive by age and count.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/manpreetbhatti/arena/internal/logging"
)

// Store is the part of the archive the pruner needs.
type Store interface {
	CountDebates(ctx context.Context) (int, error)
	CountEndedBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAllButRecent(ctx context.Context, keep int) (int64, error)
}

// Plan is what a prune pass would remove right now.
type Plan struct {
	Total   int // archived debates
	ByAge   int // older than MaxAge
	ByCount int // beyond MaxDebates once the old ones are gone
}

func (p Plan) Removed() int {
	return p.ByAge + p.ByCount
}

type Config struct {
	Interval    time.Duration
	MaxAge      time.Duration // 0 keeps debates of any age
	MaxDebates  int           // 0 keeps any number
	PassTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    time.Hour,
		MaxAge:      30 * 24 * time.Hour,
		MaxDebates:  10000,
		PassTimeout: time.Minute,
	}
}

type Service struct {
	store  Store
	config Config
	now    func() time.Time
	log    *logging.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(store Store, config Config, log *logging.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultConfig().PassTimeout
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Service{
		store:  store,
		config: config,
		now:    time.Now,
		log:    log.With("component", "retention"),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("retention service started",
		"interval", s.config.Interval, "max_age", s.config.MaxAge, "max_debates", s.config.MaxDebates)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.pass()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pass()
		}
	}
}

func (s *Service) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PassTimeout)
	defer cancel()

	removed, err := s.PruneNow(ctx)
	if err != nil {
		s.log.Error("prune failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("pruned archived debates", "removed", removed)
	}
}

// PruneNow applies the age limit, then the count limit.
func (s *Service) PruneNow(ctx context.Context) (int64, error) {
	var total int64

	if s.config.MaxAge > 0 {
		n, err := s.store.DeleteEndedBefore(ctx, s.now().Add(-s.config.MaxAge))
		if err != nil {
			return total, err
		}
		total += n
	}

	if s.config.MaxDebates > 0 {
		n, err := s.store.DeleteAllButRecent(ctx, s.config.MaxDebates)
		if err != nil {
			return total, err
		}
		total += n
	}

	return total, nil
}

// Plan reports what PruneNow would remove without deleting anything.
func (s *Service) Plan(ctx context.Context) (Plan, error) {
	var p Plan

	total, err := s.store.CountDebates(ctx)
	if err != nil {
		return p, err
	}
	p.Total = total

	if s.config.MaxAge > 0 {
		p.ByAge, err = s.store.CountEndedBefore(ctx, s.now().Add(-s.config.MaxAge))
		if err != nil {
			return p, err
		}
	}

	// Age pruning removes the oldest debates, so the count limit applies
	// to what is left.
	if s.config.MaxDebates > 0 {
		if left := total - p.ByAge; left > s.config.MaxDebates {
			p.ByCount = left - s.config.MaxDebates
		}
	}
	return p, nil
}
