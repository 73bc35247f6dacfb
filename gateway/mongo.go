package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

const defaultMongoDatabase = "crmsync"

type mongoMessage struct {
	ID             string                   `bson:"_id"`
	ConversationID string                   `bson:"conversationId"`
	Body           string                   `bson:"body"`
	Timestamp      int64                    `bson:"timestamp"`
	Direction      chatsync.Direction       `bson:"direction"`
	SenderID       string                   `bson:"senderId,omitempty"`
	Type           chatsync.MessageType     `bson:"type,omitempty"`
	Attachment     *chatsync.AttachmentMeta `bson:"attachmentMeta,omitempty"`
	Status         chatsync.DeliveryStatus  `bson:"status"`
}

func toMongo(m chatsync.Message) mongoMessage {
	return mongoMessage(m)
}

func (d mongoMessage) message() chatsync.Message {
	return chatsync.Message(d)
}

type mongoConversation struct {
	ID            string        `bson:"_id"`
	LastMessage   *mongoMessage `bson:"lastMessage,omitempty"`
	LastTimestamp int64         `bson:"lastTimestamp"`
	UnreadCount   int           `bson:"unreadCount"`
}

// Mongo stores messages and conversation summaries in two collections.
type Mongo struct {
	client        *mongo.Client
	messages      *mongo.Collection
	conversations *mongo.Collection
}

// NewMongo connects to uri and ensures the paging index exists.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	if database == "" {
		database = defaultMongoDatabase
	}
	db := client.Database(database)
	g := &Mongo{
		client:        client,
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
	}

	_, err = g.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create index: %w", err)
	}
	return g, nil
}

func (g *Mongo) AppendMessage(ctx context.Context, msg chatsync.Message) (chatsync.Message, error) {
	msg, err := prepare(msg)
	if err != nil {
		return msg, err
	}

	doc := toMongo(msg)
	if _, err := g.messages.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			var existing mongoMessage
			if err := g.messages.FindOne(ctx, bson.M{"_id": msg.ID}).Decode(&existing); err != nil {
				return msg, err
			}
			return existing.message(), nil
		}
		return msg, err
	}

	unread := 0
	if msg.Direction == chatsync.Inbound {
		unread = 1
	}
	_, err = g.conversations.UpdateOne(ctx,
		bson.M{"_id": msg.ConversationID},
		bson.M{
			"$inc":         bson.M{"unreadCount": unread},
			"$setOnInsert": bson.M{"lastTimestamp": int64(0)},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return msg, fmt.Errorf("update conversation: %w", err)
	}
	_, err = g.conversations.UpdateOne(ctx,
		bson.M{"_id": msg.ConversationID, "lastTimestamp": bson.M{"$lte": msg.Timestamp}},
		bson.M{"$set": bson.M{"lastMessage": doc, "lastTimestamp": msg.Timestamp}},
	)
	if err != nil {
		return msg, fmt.Errorf("update conversation: %w", err)
	}
	return msg, nil
}

func (g *Mongo) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error) {
	limit = clampLimit(limit)

	filter := bson.M{"conversationId": conversationID}
	if cursor != "" {
		var anchor mongoMessage
		err := g.messages.FindOne(ctx, bson.M{"_id": cursor, "conversationId": conversationID}).Decode(&anchor)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("cursor %s: %w", cursor, chatsync.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		filter["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$lt": anchor.Timestamp}},
			bson.M{"timestamp": anchor.Timestamp, "_id": bson.M{"$lt": anchor.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit) + 1)
	cur, err := g.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	total, err := g.messages.CountDocuments(ctx, bson.M{"conversationId": conversationID})
	if err != nil {
		return nil, err
	}
	return newestFirstPage(docs, limit, int(total), mongoMessage.message), nil
}

func (g *Mongo) ListConversations(ctx context.Context, limit int) ([]chatsync.ConversationSummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "lastTimestamp", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(clampLimit(limit)))
	cur, err := g.conversations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]chatsync.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		s := chatsync.ConversationSummary{ConversationID: d.ID, UnreadCount: d.UnreadCount}
		if d.LastMessage != nil {
			last := d.LastMessage.message()
			s.LastMessage = &last
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *Mongo) MarkRead(ctx context.Context, conversationID string) error {
	_, err := g.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": bson.M{"unreadCount": 0}})
	return err
}

func (g *Mongo) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	var doc mongoMessage
	err := g.messages.FindOne(ctx, bson.M{"_id": messageID, "conversationId": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chatsync.Message{}, fmt.Errorf("message %s: %w", messageID, chatsync.ErrNotFound)
	}
	if err != nil {
		return chatsync.Message{}, err
	}
	if !status.Advances(doc.Status) {
		return doc.message(), nil
	}

	// Match on the previous status so a concurrent advance is not overwritten.
	res, err := g.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "status": doc.Status},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return chatsync.Message{}, err
	}
	if res.MatchedCount == 0 {
		return g.UpdateStatus(ctx, conversationID, messageID, status)
	}
	doc.Status = status
	return doc.message(), nil
}

func (g *Mongo) Ping(ctx context.Context) error {
	return g.client.Ping(ctx, nil)
}

func (g *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.client.Disconnect(ctx)
}

// newestFirstPage turns up to limit+1 rows sorted newest first into an
// oldest-first page.
func newestFirstPage[T any](rows []T, limit, total int, conv func(T) chatsync.Message) *chatsync.Page {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	out := make([]chatsync.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = conv(r)
	}
	return &chatsync.Page{Messages: out, HasMore: hasMore, KnownTotal: total}
}
