package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zerotyping/ingest-pipeline/internal/cache"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
)

// ErrNoSnapshot is returned by Latest when nothing was recorded for a session.
var ErrNoSnapshot = errors.New("no progress snapshot")

// SnapshotKey is the cache key holding the latest event of a session.
func SnapshotKey(sessionID string) string {
	return cache.Key("progress", sessionID, "latest")
}

// Topic is the broadcast channel carrying a session's events.
func Topic(sessionID string) string {
	return cache.Key("progress", sessionID)
}

// Snapshot is the stored form of the latest event.
type Snapshot struct {
	SessionID  string    `json:"sessionId"`
	Event      Event     `json:"event"`
	Percent    int       `json:"percent"`
	RecordedAt time.Time `json:"recordedAt"`
}

// SnapshotConfig configures a SnapshotRecorder.
type SnapshotConfig struct {
	TTL       time.Duration
	QueueSize int
}

type record struct {
	sessionID string
	ev        Event
}

// SnapshotRecorder keeps the latest event per session in a cache and mirrors
// events to a broadcaster when one is configured. Record never blocks: a single
// worker drains a bounded queue and drops records when it is full.
type SnapshotRecorder struct {
	store       cache.Client
	broadcaster cache.Broadcaster
	cfg         SnapshotConfig
	logger      *observability.Logger

	queue chan record
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu   sync.Mutex
	last map[string]int
}

// NewSnapshotRecorder starts a recorder. broadcaster may be nil.
func NewSnapshotRecorder(logger *observability.Logger, store cache.Client, broadcaster cache.Broadcaster, cfg SnapshotConfig) *SnapshotRecorder {
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	s := &SnapshotRecorder{
		store:       store,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
		queue:       make(chan record, cfg.QueueSize),
		stop:        make(chan struct{}),
		last:        make(map[string]int),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Record implements Recorder.
func (s *SnapshotRecorder) Record(sessionID string, ev Event) {
	select {
	case <-s.stop:
		return
	default:
	}

	select {
	case s.queue <- record{sessionID: sessionID, ev: ev}:
	default:
		s.logger.Debug().Str("session_id", sessionID).Msg("Snapshot queue full, record dropped")
	}
}

// Latest returns the latest snapshot recorded for sessionID.
func (s *SnapshotRecorder) Latest(ctx context.Context, sessionID string) (*Snapshot, error) {
	data, err := s.store.Get(ctx, SnapshotKey(sessionID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Close drains pending records and stops the worker.
func (s *SnapshotRecorder) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

func (s *SnapshotRecorder) run() {
	defer s.wg.Done()

	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.stop:
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *SnapshotRecorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A message-only event keeps the previous percent.
	s.mu.Lock()
	percent := rec.ev.PercentOr(s.last[rec.sessionID])
	s.last[rec.sessionID] = percent
	if rec.ev.Terminal() {
		delete(s.last, rec.sessionID)
	}
	s.mu.Unlock()

	snap := Snapshot{
		SessionID:  rec.sessionID,
		Event:      rec.ev,
		Percent:    percent,
		RecordedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	if err := s.store.Set(ctx, SnapshotKey(rec.sessionID), data, s.cfg.TTL); err != nil {
		s.logger.Warn().Err(err).Str("session_id", rec.sessionID).Msg("Failed to store progress snapshot")
	}

	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(ctx, Topic(rec.sessionID), rec.ev); err != nil {
			s.logger.Warn().Err(err).Str("session_id", rec.sessionID).Msg("Failed to broadcast progress event")
		}
	}
}
