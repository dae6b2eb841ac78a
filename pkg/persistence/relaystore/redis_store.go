package relaystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const DefaultRedisPrefix = "chatrelay"

// RedisStore keeps sessions in hashes and each conversation in a list keyed by
// its sequence number, so ClearContext is a single HINCRBY.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ relay.Store = &RedisStore{}

func NewRedisStore(addr string, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis relay store: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisStoreFromClient(client, prefix)
	s.owned = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis relay store: ping")
	}
	return s, nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) sessionKey(userID relay.UserID) string {
	return fmt.Sprintf("%s:session:%d", s.prefix, userID)
}

func (s *RedisStore) usersKey() string { return s.prefix + ":users" }

func (s *RedisStore) messagesKey() string { return s.prefix + ":stats:messages" }

func (s *RedisStore) contextKey(userID relay.UserID, seq int64) string {
	return fmt.Sprintf("%s:ctx:%d:%d", s.prefix, userID, seq)
}

func parseSession(userID relay.UserID, h map[string]string) relay.SessionState {
	st := relay.SessionState{
		UserID:  userID,
		Model:   h["model"],
		Persona: h["persona"],
		Banned:  h["banned"] == "1",
	}
	if ms, err := strconv.ParseInt(h["created_at_ms"], 10, 64); err == nil {
		st.CreatedAt = fromMs(ms)
	}
	if ms, err := strconv.ParseInt(h["updated_at_ms"], 10, 64); err == nil {
		st.UpdatedAt = fromMs(ms)
	}
	return st
}

func (s *RedisStore) LoadSession(ctx context.Context, userID relay.UserID) (relay.SessionState, bool, error) {
	h, err := s.client.HGetAll(ctx, s.sessionKey(userID)).Result()
	if err != nil {
		return relay.SessionState{}, false, errors.Wrap(err, "redis relay store: load session")
	}
	if len(h) == 0 {
		return relay.SessionState{}, false, nil
	}
	return parseSession(userID, h), true, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, state relay.SessionState) error {
	if state.UserID == 0 {
		return errors.New("redis relay store: user id is 0")
	}
	now := time.Now()
	created := state.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	banned := "0"
	if state.Banned {
		banned = "1"
	}
	key := s.sessionKey(state.UserID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"model", state.Model,
			"persona", state.Persona,
			"banned", banned,
			"updated_at_ms", toMs(updated),
		)
		pipe.HSetNX(ctx, key, "created_at_ms", toMs(created))
		pipe.HSetNX(ctx, key, "conversation_seq", 0)
		pipe.SAdd(ctx, s.usersKey(), int64(state.UserID))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis relay store: save session")
	}
	return nil
}

func (s *RedisStore) seq(ctx context.Context, userID relay.UserID) (int64, bool, error) {
	v, err := s.client.HGet(ctx, s.sessionKey(userID), "conversation_seq").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

type redisTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedMs int64  `json:"created_at_ms"`
}

func (s *RedisStore) AppendContextRow(ctx context.Context, userID relay.UserID, turn relay.Turn) error {
	if !turn.Role.Valid() {
		return errors.Errorf("redis relay store: invalid role %q", turn.Role)
	}
	seq, ok, err := s.seq(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "redis relay store: read conversation seq")
	}
	if !ok {
		return errors.Errorf("redis relay store: unknown user %d", userID)
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b, err := json.Marshal(redisTurn{Role: string(turn.Role), Content: turn.Content, CreatedMs: toMs(ts)})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.contextKey(userID, seq), b)
		if turn.Role == relay.RoleUser {
			pipe.HIncrBy(ctx, s.sessionKey(userID), "total_messages", 1)
		}
		pipe.Incr(ctx, s.messagesKey())
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis relay store: append context row")
	}
	return nil
}

func (s *RedisStore) LoadContext(ctx context.Context, userID relay.UserID, limit int) ([]relay.Turn, error) {
	seq, ok, err := s.seq(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "redis relay store: read conversation seq")
	}
	if !ok {
		return nil, nil
	}
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.contextKey(userID, seq), start, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis relay store: load context")
	}
	turns := make([]relay.Turn, 0, len(raw))
	for _, item := range raw {
		var rt redisTurn
		if err := json.Unmarshal([]byte(item), &rt); err != nil {
			return nil, errors.Wrap(err, "redis relay store: decode context row")
		}
		turns = append(turns, relay.Turn{Role: relay.Role(rt.Role), Content: rt.Content, Timestamp: fromMs(rt.CreatedMs)})
	}
	return turns, nil
}

func (s *RedisStore) ClearContext(ctx context.Context, userID relay.UserID) error {
	key := s.sessionKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "conversation_seq", 1)
		pipe.HSet(ctx, key, "updated_at_ms", time.Now().UnixMilli())
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis relay store: clear context")
	}
	return nil
}

func (s *RedisStore) ListUsers(ctx context.Context) ([]relay.SessionState, error) {
	members, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis relay store: list users")
	}
	ids := make([]relay.UserID, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, relay.UserID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "redis relay store: load users")
	}
	out := make([]relay.SessionState, 0, len(ids))
	for i, id := range ids {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		out = append(out, parseSession(id, h))
	}
	return out, nil
}

func (s *RedisStore) Usage(ctx context.Context, userID relay.UserID) (relay.Usage, bool, error) {
	h, err := s.client.HGetAll(ctx, s.sessionKey(userID)).Result()
	if err != nil {
		return relay.Usage{}, false, errors.Wrap(err, "redis relay store: usage")
	}
	if len(h) == 0 {
		return relay.Usage{}, false, nil
	}
	st := parseSession(userID, h)
	u := relay.Usage{
		UserID:      userID,
		Model:       st.Model,
		Persona:     st.Persona,
		Banned:      st.Banned,
		MemberSince: st.CreatedAt,
	}
	if n, err := strconv.ParseInt(h["total_messages"], 10, 64); err == nil {
		u.Messages = n
	}
	seq, _ := strconv.ParseInt(h["conversation_seq"], 10, 64)
	u.Conversations = seq + 1
	return u, true, nil
}

func (s *RedisStore) Stats(ctx context.Context) (relay.StoreStats, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return relay.StoreStats{}, err
	}
	st := relay.StoreStats{Users: int64(len(users))}
	for _, u := range users {
		if u.Banned {
			st.BannedUsers++
		}
	}
	n, err := s.client.Get(ctx, s.messagesKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return relay.StoreStats{}, errors.Wrap(err, "redis relay store: count messages")
	}
	st.Messages = n
	return st, nil
}
