package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists session transcripts in a MongoDB collection. Each
// message is one document; a per-session monotonic sequence number makes the
// insertion order explicit and independent of clock resolution.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection

	mu   sync.Mutex
	seqs map[string]int64
}

type messageDoc struct {
	SessionID string                 `bson:"session_id"`
	Seq       int64                  `bson:"seq"`
	Role      string                 `bson:"role"`
	Content   string                 `bson:"content"`
	Timestamp time.Time              `bson:"timestamp"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	collection := client.Database(database).Collection("chat_messages")

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}},
	}
	if _, err := collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		return nil, fmt.Errorf("failed to create session index: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: collection,
		seqs:       make(map[string]int64),
	}, nil
}

// nextSeq returns the next sequence number for a session, loading the current
// maximum from the collection on first touch after a restart.
func (s *MongoStore) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.seqs[sessionID]; ok {
		s.seqs[sessionID] = seq + 1
		return seq + 1, nil
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	var last messageDoc
	err := s.collection.FindOne(ctx, bson.M{"session_id": sessionID}, opts).Decode(&last)
	if err == mongo.ErrNoDocuments {
		s.seqs[sessionID] = 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}

	s.seqs[sessionID] = last.Seq + 1
	return last.Seq + 1, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	seq, err := s.nextSeq(ctx, sessionID)
	if err != nil {
		return err
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	doc := messageDoc{
		SessionID: sessionID,
		Seq:       seq,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to append message to %s: %w", sessionID, err)
	}
	return nil
}

func (s *MongoStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	defer cursor.Close(ctx)

	var messages []Message
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, Message{
			Role:      doc.Role,
			Content:   doc.Content,
			Timestamp: doc.Timestamp,
			Metadata:  doc.Metadata,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error on session %s: %w", sessionID, err)
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"session_id": sessionID}); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	delete(s.seqs, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
