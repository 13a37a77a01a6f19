// Package presence implements the cross-instance "first join" hint
// described in SPEC_FULL.md §C.1: when canvasd runs as more than one
// process, two instances can each see a project with zero local
// sessions and both believe they are the one creating its Room. Store
// remains the only authority for sequence numbers and canvas state;
// PresenceBus only arbitrates which instance's Room is allowed to
// consider itself the "first join" owner for presence bookkeeping, a
// non-binding optimization, never a correctness requirement (see
// SPEC_FULL.md §4.6's peer-assisted hand-off invariant, which this
// mirrors).
package presence

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"canvasd.io/canvasd/canvas/model"
)

// Bus arbitrates first-join ownership of a project's Room across
// instances. A single-process deployment should use NoopBus.
type Bus interface {
	// ClaimFirstJoin attempts to register instanceID as the owning
	// process for projectID's Room. won is false if another instance
	// already holds the claim and it has not yet expired.
	ClaimFirstJoin(projectID model.ProjectID, instanceID string) (won bool, err error)
	// ReleaseFirstJoin releases instanceID's claim, if it still holds
	// it, when the local Room becomes empty.
	ReleaseFirstJoin(projectID model.ProjectID, instanceID string) error
	Close() error
}

// NoopBus always grants the claim; correct for single-instance
// deployments and the default when no Redis address is configured.
type NoopBus struct{}

func (NoopBus) ClaimFirstJoin(model.ProjectID, string) (bool, error) { return true, nil }
func (NoopBus) ReleaseFirstJoin(model.ProjectID, string) error       { return nil }
func (NoopBus) Close() error                                        { return nil }

// RedisBus implements Bus with a Redis SETNX-with-TTL claim, grounded on
// the split-brain check in the RoseWrightdev-Video-Conferencing
// session/room reference file.
type RedisBus struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBus dials addr (go-redis v6 client, matching the teacher's
// go.mod major version) and returns a Bus claiming ownership for ttl at
// a time; a claim lapses after ttl unless its owner claims again.
// canvas/server holds the configured Bus but does not call
// ClaimFirstJoin or ReleaseFirstJoin.
func NewRedisBus(addr string, ttl time.Duration) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func ownerKey(projectID model.ProjectID) string {
	return fmt.Sprintf("canvasd:room-owner:%d", projectID)
}

func (b *RedisBus) ClaimFirstJoin(projectID model.ProjectID, instanceID string) (bool, error) {
	key := ownerKey(projectID)
	won, err := b.client.SetNX(key, instanceID, b.ttl).Result()
	if err != nil {
		return false, err
	}
	if won {
		return true, nil
	}
	current, err := b.client.Get(key).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if current == instanceID {
		// Already ours from a previous claim; refresh the TTL.
		if err := b.client.Expire(key, b.ttl).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (b *RedisBus) ReleaseFirstJoin(projectID model.ProjectID, instanceID string) error {
	key := ownerKey(projectID)
	current, err := b.client.Get(key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current != instanceID {
		return nil
	}
	return b.client.Del(key).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
