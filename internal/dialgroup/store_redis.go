package dialgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store. Winner election maps onto SET NX and
// group writes onto a compare-and-swap Lua script, so every contract holds
// across arbitrarily many processes. TTLs are native key expirations.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("dialgroup: redis client is nil")
	}
	return &RedisStore{rdb: rdb}, nil
}

func groupKey(groupID string) string  { return "dialgroup:group:" + groupID }
func callKey(legID string) string     { return "dialgroup:call:" + legID }
func winnerKey(groupID string) string { return "dialgroup:winner:" + groupID }

var groupCASScript = redis.NewScript(`
-- KEYS[1] = group key
-- ARGV[1] = expected version (int)
-- ARGV[2] = new blob (json, already carries the advanced version)
-- ARGV[3] = ttl_ms (int)
--
-- Returns:
--  1 if written
--  0 on version conflict
local cur = redis.call('GET', KEYS[1])
if cur then
  local decoded = cjson.decode(cur)
  if tonumber(decoded.version) ~= tonumber(ARGV[1]) then
    return 0
  end
else
  if tonumber(ARGV[1]) ~= 0 then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (s *RedisStore) SaveGroup(ctx context.Context, g *DialGroup, ttl time.Duration) error {
	expected := g.Version
	g.Version++
	blob, err := json.Marshal(g)
	if err != nil {
		g.Version = expected
		return err
	}

	res, err := groupCASScript.Run(ctx, s.rdb, []string{groupKey(g.GroupID)}, expected, blob, ttl.Milliseconds()).Int()
	if err != nil {
		g.Version = expected
		return fmt.Errorf("dialgroup: group save failed: %w", err)
	}
	if res != 1 {
		g.Version = expected
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) GetGroup(ctx context.Context, groupID string) (*DialGroup, error) {
	blob, err := s.rdb.Get(ctx, groupKey(groupID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dialgroup: group read failed: %w", err)
	}
	var g DialGroup
	if err := json.Unmarshal([]byte(blob), &g); err != nil {
		return nil, fmt.Errorf("dialgroup: group decode failed: %w", err)
	}
	return &g, nil
}

func (s *RedisStore) SetCallMapping(ctx context.Context, legID, groupID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, callKey(legID), groupID, ttl).Err()
}

func (s *RedisStore) GetCallMapping(ctx context.Context, legID string) (string, error) {
	v, err := s.rdb.Get(ctx, callKey(legID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dialgroup: call mapping read failed: %w", err)
	}
	return v, nil
}

func (s *RedisStore) SetWinnerIfAbsent(ctx context.Context, groupID, legID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, winnerKey(groupID), legID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dialgroup: winner election failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) GetWinner(ctx context.Context, groupID string) (string, error) {
	v, err := s.rdb.Get(ctx, winnerKey(groupID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dialgroup: winner read failed: %w", err)
	}
	return v, nil
}

func (s *RedisStore) DeleteGroup(ctx context.Context, groupID string) error {
	return s.rdb.Del(ctx, groupKey(groupID), winnerKey(groupID)).Err()
}
