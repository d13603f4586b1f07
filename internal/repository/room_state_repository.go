package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/model"
)

// RoomStateRepository is the shared state store: presence, the status
// mirror and violation counters. Every read-modify-write runs as a Lua
// script so concurrent instances never interleave inside one mutation.
type RoomStateRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRoomStateRepository creates a RoomStateRepository whose keys expire
// ttl after their last mutation.
func NewRoomStateRepository(rdb *redis.Client, ttl time.Duration) *RoomStateRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RoomStateRepository{rdb: rdb, ttl: ttl}
}

func (r *RoomStateRepository) ttlSeconds() int {
	if s := int(r.ttl / time.Second); s > 0 {
		return s
	}
	return 1
}

// counterRetentionSlack keeps violation counters past the room's end so a
// late finalize still reads them.
const counterRetentionSlack = 30 * time.Minute

// retentionSeconds is the ttl for keys that must outlive the exam ending
// at until, never shorter than the configured ttl.
func (r *RoomStateRepository) retentionSeconds(until time.Time) int {
	ttl := r.ttlSeconds()
	if until.IsZero() {
		return ttl
	}
	if s := int((time.Until(until) + counterRetentionSlack) / time.Second); s > ttl {
		return s
	}
	return ttl
}

// KEYS: students hash, teachers hash
// ARGV: role, user id, participant json, capacity (0 = unlimited), ttl seconds
// Returns -1 when full, 1 when an existing entry was replaced, 0 otherwise.
var joinScript = redis.NewScript(`
local key = KEYS[1]
if ARGV[1] == 'teacher' then key = KEYS[2] end
local exists = redis.call('HEXISTS', key, ARGV[2])
if ARGV[1] == 'student' then
  local cap = tonumber(ARGV[4])
  if cap > 0 and exists == 0 and redis.call('HLEN', key) >= cap then
    return -1
  end
end
redis.call('HSET', key, ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return exists
`)

// KEYS: presence hash
// ARGV: user id, connection id
var leaveScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local entry = cjson.decode(raw)
if entry['connectionId'] ~= ARGV[2] then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

// KEYS: state hash
// ARGV: status, start, end, ttl seconds
var mirrorScript = redis.NewScript(`
local rank = {waiting = 0, running = 1, ended = 2}
local cur = redis.call('HGET', KEYS[1], 'status')
if cur and rank[cur] and rank[cur] >= rank[ARGV[1]] then
  redis.call('EXPIRE', KEYS[1], ARGV[4])
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'startTime', ARGV[2], 'endTime', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS: counters hash, frozen marker
// ARGV: violation type, ttl seconds
// Returns 0 when frozen, otherwise the flattened counters.
var incrementViolationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('EXPIRE', KEYS[1], ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: counters hash, frozen marker
// ARGV: ttl seconds
var freezeViolationsScript = redis.NewScript(`
redis.call('SET', KEYS[2], '1', 'EX', ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return redis.call('HGETALL', KEYS[1])
`)

func presenceKey(roomID string, role model.Role) string {
	if role == model.RoleTeacher {
		return config.CacheKey.RoomTeachersKey(roomID)
	}
	return config.CacheKey.RoomStudentsKey(roomID)
}

// Join records presence for p. Students are counted by identity, so a
// reconnect replaces the previous entry instead of taking a second slot.
// It returns ErrCapacityReached when a new student would exceed capacity.
func (r *RoomStateRepository) Join(ctx context.Context, roomID string, p model.Participant, capacity int) (bool, error) {
	entry, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode participant: %w", err)
	}
	res, err := joinScript.Run(ctx, r.rdb,
		[]string{config.CacheKey.RoomStudentsKey(roomID), config.CacheKey.RoomTeachersKey(roomID)},
		string(p.Role), p.UserID, entry, capacity, r.ttlSeconds(),
	).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, ErrCapacityReached
	}
	return res == 1, nil
}

// Leave removes presence only if it still belongs to connectionID.
func (r *RoomStateRepository) Leave(ctx context.Context, roomID string, role model.Role, userID, connectionID string) (bool, error) {
	res, err := leaveScript.Run(ctx, r.rdb, []string{presenceKey(roomID, role)}, userID, connectionID).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// RemoveUser drops a user's presence regardless of connection.
func (r *RoomStateRepository) RemoveUser(ctx context.Context, roomID, userID string) (bool, error) {
	pipe := r.rdb.TxPipeline()
	students := pipe.HDel(ctx, config.CacheKey.RoomStudentsKey(roomID), userID)
	teachers := pipe.HDel(ctx, config.CacheKey.RoomTeachersKey(roomID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return students.Val()+teachers.Val() > 0, nil
}

// Participants lists everyone present, teachers first, then by join time.
func (r *RoomStateRepository) Participants(ctx context.Context, roomID string) ([]model.Participant, error) {
	pipe := r.rdb.Pipeline()
	teachers := pipe.HGetAll(ctx, config.CacheKey.RoomTeachersKey(roomID))
	students := pipe.HGetAll(ctx, config.CacheKey.RoomStudentsKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]model.Participant, 0, len(teachers.Val())+len(students.Val()))
	for _, set := range []map[string]string{teachers.Val(), students.Val()} {
		start := len(out)
		for _, raw := range set {
			var p model.Participant
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				continue
			}
			out = append(out, p)
		}
		group := out[start:]
		sort.Slice(group, func(i, j int) bool { return group[i].JoinedAt.Before(group[j].JoinedAt) })
	}
	return out, nil
}

// CountStudents returns the number of distinct students present.
func (r *RoomStateRepository) CountStudents(ctx context.Context, roomID string) (int, error) {
	n, err := r.rdb.HLen(ctx, config.CacheKey.RoomStudentsKey(roomID)).Result()
	return int(n), err
}

// MirrorStatus copies the authoritative status into the shared store. The
// mirror never moves backwards, so a stale writer cannot undo a newer state.
func (r *RoomStateRepository) MirrorStatus(ctx context.Context, room *model.Room) (bool, error) {
	res, err := mirrorScript.Run(ctx, r.rdb, []string{config.CacheKey.RoomStateKey(room.ID.String())},
		string(room.Status), formatTime(room.StartTime), formatTime(room.EndTime), r.ttlSeconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// MirroredStatus returns the mirrored status, empty when unknown.
func (r *RoomStateRepository) MirroredStatus(ctx context.Context, roomID string) (model.RoomStatus, error) {
	v, err := r.rdb.HGet(ctx, config.CacheKey.RoomStateKey(roomID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return model.RoomStatus(v), err
}

// IncrementViolation bumps one counter and returns the new tallies. The
// counters are kept at least until the exam's end time until, however long
// the student goes without another violation. Frozen counters return
// ErrStateChanged.
func (r *RoomStateRepository) IncrementViolation(ctx context.Context, roomID, studentID string, t model.ViolationType, until time.Time) (model.ViolationCounts, error) {
	res, err := incrementViolationScript.Run(ctx, r.rdb,
		[]string{config.CacheKey.ViolationCountsKey(roomID, studentID), config.CacheKey.ViolationFrozenKey(roomID, studentID)},
		string(t), r.retentionSeconds(until),
	).Result()
	if err != nil {
		return nil, err
	}
	if n, ok := res.(int64); ok && n == 0 {
		return nil, ErrStateChanged
	}
	return parseCounts(res)
}

// FreezeViolations stops further increments and returns the final tallies.
func (r *RoomStateRepository) FreezeViolations(ctx context.Context, roomID, studentID string) (model.ViolationCounts, error) {
	res, err := freezeViolationsScript.Run(ctx, r.rdb,
		[]string{config.CacheKey.ViolationCountsKey(roomID, studentID), config.CacheKey.ViolationFrozenKey(roomID, studentID)},
		r.ttlSeconds(),
	).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(res)
}

// UnfreezeViolations undoes FreezeViolations when finalize could not persist.
func (r *RoomStateRepository) UnfreezeViolations(ctx context.Context, roomID, studentID string) error {
	return r.rdb.Del(ctx, config.CacheKey.ViolationFrozenKey(roomID, studentID)).Err()
}

// Violations reads the current tallies.
func (r *RoomStateRepository) Violations(ctx context.Context, roomID, studentID string) (model.ViolationCounts, error) {
	raw, err := r.rdb.HGetAll(ctx, config.CacheKey.ViolationCountsKey(roomID, studentID)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(model.ViolationCounts, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		counts[model.ViolationType(k)] = n
	}
	return counts, nil
}

// EnqueueViolation hands an audit event to the persistence worker.
func (r *RoomStateRepository) EnqueueViolation(ctx context.Context, e model.ViolationEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode violation event: %w", err)
	}
	return r.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data).Err()
}

// parseCounts converts a flattened HGETALL reply.
func parseCounts(res any) (model.ViolationCounts, error) {
	flat, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected counters reply %T", res)
	}
	counts := make(model.ViolationCounts, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("counter %q: %w", k, err)
		}
		counts[model.ViolationType(k)] = n
	}
	return counts, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
