package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "confab:presence:"

	DefaultPresenceTTL = 2 * time.Minute
)

// presenceRecord is the value stored per peer in a room hash. ExpiresAt lets
// readers skip entries left behind by an instance that died without cleanup.
type presenceRecord struct {
	domain.PresenceEntry
	ExpiresAt time.Time `json:"expiresAt"`
}

// PresenceRegistry keeps one hash per room (peerId -> record) shared by all
// instances, plus a set per instance naming the room/peer pairs it owns.
type PresenceRegistry struct {
	client     *redis.Client
	breaker    *circuitbreaker.CircuitBreaker
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	local map[domain.RoomID]map[domain.PeerID]domain.PresenceEntry
}

func NewPresenceRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *PresenceRegistry {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	breaker := circuitbreaker.New("redis-presence", circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warnw("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &PresenceRegistry{
		client:     client,
		breaker:    breaker,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		local:      make(map[domain.RoomID]map[domain.PeerID]domain.PresenceEntry),
	}
}

func (r *PresenceRegistry) InstanceID() string {
	return r.instanceID
}

func (r *PresenceRegistry) Register(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error {
	entry := domain.PresenceEntry{
		PeerID:       peer.ID,
		UserID:       peer.UserID,
		DisplayName:  peer.DisplayName,
		InstanceID:   r.instanceID,
		RegisteredAt: time.Now().UTC(),
	}

	r.mu.Lock()
	peers, ok := r.local[roomID]
	if !ok {
		peers = make(map[domain.PeerID]domain.PresenceEntry)
		r.local[roomID] = peers
	}
	peers[peer.ID] = entry
	r.mu.Unlock()

	return r.breaker.Execute(ctx, func() error {
		return r.write(ctx, roomID, []domain.PresenceEntry{entry})
	})
}

func (r *PresenceRegistry) Unregister(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	r.mu.Lock()
	if peers, ok := r.local[roomID]; ok {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(r.local, roomID)
		}
	}
	r.mu.Unlock()

	return r.breaker.Execute(ctx, func() error {
		pipe := r.client.TxPipeline()
		pipe.HDel(ctx, roomKey(roomID), string(peerID))
		pipe.SRem(ctx, r.instanceKey(), member(roomID, peerID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to unregister peer %s: %w", peerID, err)
		}
		return nil
	})
}

// ListRoom returns the live entries for a room across all instances, oldest first.
func (r *PresenceRegistry) ListRoom(ctx context.Context, roomID domain.RoomID) ([]domain.PresenceEntry, error) {
	raw, err := circuitbreaker.Do(ctx, r.breaker, func() (map[string]string, error) {
		return r.client.HGetAll(ctx, roomKey(roomID)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list room %s: %w", roomID, err)
	}

	now := time.Now()
	entries := make([]domain.PresenceEntry, 0, len(raw))
	for peerID, value := range raw {
		var rec presenceRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			r.logger.Warnw("skipping unreadable presence record",
				"room_id", roomID,
				"peer_id", peerID,
				"error", err,
			)
			continue
		}
		if now.After(rec.ExpiresAt) {
			continue
		}
		entries = append(entries, rec.PresenceEntry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
	})
	return entries, nil
}

// Refresh rewrites every locally owned entry with a fresh expiry.
func (r *PresenceRegistry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[domain.RoomID][]domain.PresenceEntry, len(r.local))
	for roomID, peers := range r.local {
		for _, e := range peers {
			snapshot[roomID] = append(snapshot[roomID], e)
		}
	}
	r.mu.Unlock()

	var errs []error
	for roomID, entries := range snapshot {
		err := r.breaker.Execute(ctx, func() error {
			return r.write(ctx, roomID, entries)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes owned entries every ttl/3 until ctx is done.
func (r *PresenceRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warnw("failed to refresh presence", "error", err)
			}
		}
	}
}

// Cleanup removes everything this instance registered, e.g. on shutdown.
func (r *PresenceRegistry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	r.local = make(map[domain.RoomID]map[domain.PeerID]domain.PresenceEntry)
	r.mu.Unlock()

	return r.breaker.Execute(ctx, func() error {
		members, err := r.client.SMembers(ctx, r.instanceKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to get instance peers: %w", err)
		}

		pipe := r.client.TxPipeline()
		for _, m := range members {
			roomID, peerID, ok := splitMember(m)
			if !ok {
				continue
			}
			pipe.HDel(ctx, roomKey(roomID), string(peerID))
		}
		pipe.Del(ctx, r.instanceKey())
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to clean up instance %s: %w", r.instanceID, err)
		}

		r.logger.Infow("presence cleaned up",
			"instance_id", r.instanceID,
			"peers", len(members),
		)
		return nil
	})
}

func (r *PresenceRegistry) write(ctx context.Context, roomID domain.RoomID, entries []domain.PresenceEntry) error {
	expiresAt := time.Now().Add(r.ttl)
	pipe := r.client.TxPipeline()
	for _, e := range entries {
		data, err := json.Marshal(presenceRecord{PresenceEntry: e, ExpiresAt: expiresAt})
		if err != nil {
			return fmt.Errorf("failed to marshal presence: %w", err)
		}
		pipe.HSet(ctx, roomKey(roomID), string(e.PeerID), data)
		pipe.SAdd(ctx, r.instanceKey(), member(roomID, e.PeerID))
	}
	pipe.Expire(ctx, roomKey(roomID), r.ttl)
	pipe.Expire(ctx, r.instanceKey(), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write presence for room %s: %w", roomID, err)
	}
	return nil
}

func (r *PresenceRegistry) instanceKey() string {
	return keyPrefix + "instance:" + r.instanceID
}

func roomKey(roomID domain.RoomID) string {
	return keyPrefix + "room:" + string(roomID)
}

// Room ids never contain '|' (see validation.ValidateRoomID).
func member(roomID domain.RoomID, peerID domain.PeerID) string {
	return string(roomID) + "|" + string(peerID)
}

func splitMember(m string) (domain.RoomID, domain.PeerID, bool) {
	room, peer, ok := strings.Cut(m, "|")
	if !ok || room == "" || peer == "" {
		return "", "", false
	}
	return domain.RoomID(room), domain.PeerID(peer), true
}
