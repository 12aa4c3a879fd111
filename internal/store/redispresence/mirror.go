// Package redispresence mirrors per-room presence snapshots into redis
// so dashboards and sibling services can read who is online without
// touching the session process. The in-memory tracker stays the
// authority; this is write-only from the service's point of view.
package redispresence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"roomrelay/internal/domain"
)

const keyPrefix = "presence:"

// ttl guards against leaked keys if the service dies between updates.
const ttl = 2 * time.Minute

type Mirror struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Mirror {
	return &Mirror{rdb: rdb}
}

// Publish replaces the room's online set and records the generation so
// readers can discard stale snapshots, mirroring the wire contract.
func (m *Mirror) Publish(ctx context.Context, roomID domain.RoomID, users []domain.UserID, gen uint64) error {
	key := keyPrefix + string(roomID)
	now := float64(time.Now().Unix())

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(users) > 0 {
		members := make([]redis.Z, 0, len(users))
		for _, uid := range users {
			members = append(members, redis.Z{Score: now, Member: string(uid)})
		}
		pipe.ZAdd(ctx, key, members...)
	}
	pipe.Set(ctx, key+":gen", gen, ttl)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Online reads a mirrored snapshot back; used by ops tooling.
func (m *Mirror) Online(ctx context.Context, roomID domain.RoomID) ([]string, error) {
	return m.rdb.ZRange(ctx, keyPrefix+string(roomID), 0, -1).Result()
}
