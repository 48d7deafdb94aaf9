// Package service holds the read-model services behind the admin API.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edirooss/evbus/internal/dispatcher"
)

// SummaryOptions tunes the cached cluster summary.
type SummaryOptions struct {
	// TTL controls how long the in-memory snapshot is served; default 250ms.
	TTL time.Duration
	// RefreshTimeout bounds Redis work for a single refresh; default 300ms.
	RefreshTimeout time.Duration
	// AllowStaleOnError serves the previous snapshot when a refresh fails.
	AllowStaleOnError bool
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 300 * time.Millisecond
	}
}

// BusSummary is the admin view of the fleet.
type BusSummary struct {
	Active                 bool `json:"active"`
	Incomers               int  `json:"incomers"`
	DispatcherTransactions int  `json:"dispatcherTransactions"`
	BackupDispatcher       int  `json:"backupDispatcherTransactions"`
	BackupIncomer          int  `json:"backupIncomerTransactions"`
}

// SummaryResult lets the handler set headers/telemetry.
type SummaryResult struct {
	Data        BusSummary
	CacheHit    bool
	GeneratedAt time.Time
}

// SummaryService serves the cluster summary from a short-lived snapshot;
// concurrent refreshes coalesce through singleflight.
type SummaryService struct {
	log  *zap.Logger
	disp *dispatcher.Dispatcher

	mu      sync.RWMutex
	cache   *BusSummary
	expires time.Time
	genAt   time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSummaryService wires the dispatcher and cache policy. Reuse a single
// instance per process.
func NewSummaryService(log *zap.Logger, disp *dispatcher.Dispatcher, opts SummaryOptions) *SummaryService {
	opts.setDefaults()
	return &SummaryService{
		log:  log.Named("summary_service"),
		disp: disp,
		opts: opts,
		now:  time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
func (s *SummaryService) Get(ctx context.Context) (SummaryResult, error) {
	s.mu.RLock()
	if s.cache != nil && s.now().Before(s.expires) {
		out := *s.cache
		genAt := s.genAt
		s.mu.RUnlock()
		return SummaryResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sg.Do("summary-refresh", func() (any, error) {
		// Double-check freshness after winning the flight.
		s.mu.RLock()
		if s.cache != nil && s.now().Before(s.expires) {
			out := *s.cache
			genAt := s.genAt
			s.mu.RUnlock()
			return SummaryResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
		}
		s.mu.RUnlock()

		ctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()

		start := s.now()
		data, err := s.refresh(ctx)
		if err != nil {
			if s.opts.AllowStaleOnError {
				s.mu.RLock()
				if s.cache != nil {
					out := *s.cache
					genAt := s.genAt
					s.mu.RUnlock()
					s.log.Warn("summary refresh failed; serving stale", zap.Error(err))
					return SummaryResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
				}
				s.mu.RUnlock()
			}
			return nil, err
		}

		s.mu.Lock()
		s.cache = data
		s.expires = s.now().Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		return SummaryResult{Data: *data, CacheHit: false, GeneratedAt: start}, nil
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return v.(SummaryResult), nil
}

// Invalidate discards the snapshot; the next Get refreshes.
func (s *SummaryService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.genAt = time.Time{}
	s.mu.Unlock()
}

func (s *SummaryService) refresh(ctx context.Context) (*BusSummary, error) {
	incomers, err := s.disp.Incomers(ctx)
	if err != nil {
		return nil, err
	}
	dtxs, err := s.disp.DispatcherTransactions(ctx)
	if err != nil {
		return nil, err
	}
	bdisp, err := s.disp.BackupDispatcherTransactions(ctx)
	if err != nil {
		return nil, err
	}
	binc, err := s.disp.BackupIncomerTransactions(ctx)
	if err != nil {
		return nil, err
	}

	return &BusSummary{
		Active:                 s.disp.Active(),
		Incomers:               len(incomers),
		DispatcherTransactions: len(dtxs),
		BackupDispatcher:       len(bdisp),
		BackupIncomer:          len(binc),
	}, nil
}
