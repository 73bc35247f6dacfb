package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

const conversationsKey = "conversations"

// messagesKey holds message ids scored by timestamp. Equal scores order by
// id, which matches the (timestamp, id) order of the other drivers.
func messagesKey(conversationID string) string {
	return fmt.Sprintf("conv:%s:messages", conversationID)
}

// bodiesKey maps message id to the JSON encoded message.
func bodiesKey(conversationID string) string {
	return fmt.Sprintf("conv:%s:bodies", conversationID)
}

func metaKey(conversationID string) string {
	return fmt.Sprintf("conv:%s:meta", conversationID)
}

// KEYS[1] meta hash; ARGV timestamp, encoded message, inbound flag.
var touchConversation = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'lastTs') or '-1')
if tonumber(ARGV[1]) >= cur then
	redis.call('HSET', KEYS[1], 'lastTs', ARGV[1], 'last', ARGV[2])
end
if ARGV[3] == '1' then
	redis.call('HINCRBY', KEYS[1], 'unread', 1)
end
return 1
`)

// Redis keeps each conversation in a sorted set plus a body hash. A
// positive retention expires idle conversations.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedis connects to redisURL.
func NewRedis(ctx context.Context, redisURL string, retention time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, retention: retention}, nil
}

func (g *Redis) AppendMessage(ctx context.Context, msg chatsync.Message) (chatsync.Message, error) {
	msg, err := prepare(msg)
	if err != nil {
		return msg, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}

	conv := msg.ConversationID
	added, err := g.client.HSetNX(ctx, bodiesKey(conv), msg.ID, data).Result()
	if err != nil {
		return msg, err
	}
	if !added {
		existing, err := g.body(ctx, conv, msg.ID)
		if err != nil {
			return msg, err
		}
		return existing, nil
	}

	inbound := "0"
	if msg.Direction == chatsync.Inbound {
		inbound = "1"
	}
	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, messagesKey(conv), redis.Z{Score: float64(msg.Timestamp), Member: msg.ID})
		touchConversation.Eval(ctx, pipe, []string{metaKey(conv)}, msg.Timestamp, data, inbound)
		pipe.ZAddArgs(ctx, conversationsKey, redis.ZAddArgs{
			GT:      true,
			Members: []redis.Z{{Score: float64(msg.Timestamp), Member: conv}},
		})
		if g.retention > 0 {
			pipe.Expire(ctx, messagesKey(conv), g.retention)
			pipe.Expire(ctx, bodiesKey(conv), g.retention)
			pipe.Expire(ctx, metaKey(conv), g.retention)
		}
		return nil
	})
	if err != nil {
		return msg, fmt.Errorf("index message: %w", err)
	}
	return msg, nil
}

func (g *Redis) body(ctx context.Context, conversationID, messageID string) (chatsync.Message, error) {
	var m chatsync.Message
	data, err := g.client.HGet(ctx, bodiesKey(conversationID), messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return m, fmt.Errorf("message %s: %w", messageID, chatsync.ErrNotFound)
	}
	if err != nil {
		return m, err
	}
	return m, json.Unmarshal(data, &m)
}

func (g *Redis) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error) {
	limit = clampLimit(limit)
	key := messagesKey(conversationID)

	var start int64
	if cursor != "" {
		rank, err := g.client.ZRevRank(ctx, key, cursor).Result()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("cursor %s: %w", cursor, chatsync.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		start = rank + 1
	}

	ids, err := g.client.ZRevRange(ctx, key, start, start+int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	total, err := g.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &chatsync.Page{Messages: []chatsync.Message{}, KnownTotal: int(total)}, nil
	}

	values, err := g.client.HMGet(ctx, bodiesKey(conversationID), ids...).Result()
	if err != nil {
		return nil, err
	}
	newest := make([]chatsync.Message, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m chatsync.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("message %s: %w", ids[i], err)
		}
		newest = append(newest, m)
	}
	return newestFirstPage(newest, limit, int(total), func(m chatsync.Message) chatsync.Message { return m }), nil
}

func (g *Redis) ListConversations(ctx context.Context, limit int) ([]chatsync.ConversationSummary, error) {
	ids, err := g.client.ZRevRange(ctx, conversationsKey, 0, int64(clampLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, metaKey(id), "last", "unread")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]chatsync.ConversationSummary, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) < 2 || vals[0] == nil {
			// meta expired before the conversation index entry
			continue
		}
		s := chatsync.ConversationSummary{ConversationID: id}
		var last chatsync.Message
		if err := json.Unmarshal([]byte(vals[0].(string)), &last); err != nil {
			return nil, fmt.Errorf("last message of %s: %w", id, err)
		}
		s.LastMessage = &last
		if raw, ok := vals[1].(string); ok {
			s.UnreadCount, _ = strconv.Atoi(raw)
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *Redis) MarkRead(ctx context.Context, conversationID string) error {
	key := metaKey(conversationID)
	exists, err := g.client.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return err
	}
	return g.client.HSet(ctx, key, "unread", 0).Err()
}

func (g *Redis) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	key := bodiesKey(conversationID)
	var out chatsync.Message

	update := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, messageID).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("message %s: %w", messageID, chatsync.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		if !status.Advances(out.Status) {
			return nil
		}
		out.Status = status
		encoded, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, messageID, encoded)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := g.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return out, err
		}
	}
	return out, fmt.Errorf("update status %s: %w", messageID, redis.TxFailedErr)
}

func (g *Redis) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *Redis) Close() error {
	return g.client.Close()
}
