package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messagesCollection = "messages"

// MongoMessages is the append-only message log.
type MongoMessages struct {
	col *mongo.Collection
}

func NewMongoMessages(db *mongo.Database) *MongoMessages {
	return &MongoMessages{col: db.Collection(messagesCollection)}
}

// EnsureIndexes is called on startup after Mongo has connected.
func (s *MongoMessages) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "seq", Value: 1},
			},
			Options: options.Index().SetName("uniq_conversation_seq").SetUnique(true),
		},
	}
	_, err := s.col.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoMessages) Insert(ctx context.Context, m models.Message) error {
	_, err := s.col.InsertOne(ctx, m)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("seq %d already used in conversation %s", m.Seq, m.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MongoMessages) Get(ctx context.Context, id uuid.UUID) (models.Message, error) {
	var m models.Message
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *MongoMessages) Range(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{
		"conversation_id": conversationID,
		"seq":             bson.M{"$gt": afterSeq},
	}
	return s.find(ctx, filter, opts)
}

// Before pages backwards by seq (newest-first scrolling) and returns the page
// oldest first for the UI.
func (s *MongoMessages) Before(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"deleted":         false,
	}
	if beforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": beforeSeq}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(int64(limit) + 1)

	msgs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	reverse(msgs)
	return msgs, hasMore, nil
}

func (s *MongoMessages) LastSeq(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var m models.Message
	opts := options.FindOne().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetProjection(bson.M{"seq": 1})
	err := s.col.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return m.Seq, nil
}

func (s *MongoMessages) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since time.Time) (int, error) {
	n, err := s.col.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"deleted":         false,
		"created_at":      bson.M{"$gte": since},
	})
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return int(n), nil
}

func (s *MongoMessages) SoftDelete(ctx context.Context, id uuid.UUID) (models.Message, error) {
	var m models.Message
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"deleted": true}}, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

func (s *MongoMessages) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Message, error) {
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer cur.Close(ctx)

	msgs := []models.Message{}
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
