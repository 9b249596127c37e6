// Package callog persists terminal call records and contact documents
// in MongoDB. Call logs are kept apart from tasks so they can outlive
// task retention.
package callog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/voice"
)

const (
	callLogCollection        = "call_logs"
	defaultContactCollection = "contacts"
)

// CallLog is the durable record of one finished call.
type CallLog struct {
	ID             primitive.ObjectID      `bson:"_id,omitempty"`
	CallID         string                  `bson:"call_id"`
	ThreadID       string                  `bson:"thread_id,omitempty"`
	AgentID        string                  `bson:"agent_id,omitempty"`
	TaskID         string                  `bson:"task_id,omitempty"`
	Customer       string                  `bson:"customer,omitempty"`
	ContactNumber  string                  `bson:"contact_number,omitempty"`
	Status         string                  `bson:"status"`
	EndReason      string                  `bson:"call_end_reason"`
	RecordingURL   string                  `bson:"recording_url,omitempty"`
	Transcript     []voice.TranscriptEntry `bson:"transcript"`
	StartTime      time.Time               `bson:"start_time"`
	EndTime        time.Time               `bson:"end_time"`
	DurationSec    float64                 `bson:"duration"`
	Cost           float64                 `bson:"cost"`
	Summary        string                  `bson:"summary,omitempty"`
	Classification string                  `bson:"classification,omitempty"`
	Metadata       map[string]any          `bson:"metadata,omitempty"`
	CreatedAt      time.Time               `bson:"created_at"`
}

// Contact is a minimal CRM document keyed by phone number.
type Contact struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name,omitempty"`
	Phone     string             `bson:"phone"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

// Connect opens and pings the Mongo deployment.
func Connect(ctx context.Context, dsn string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// Store reads and writes call logs and contacts.
type Store struct {
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// Insert writes one call log.
func (s *Store) Insert(ctx context.Context, cl *CallLog) error {
	if cl.CreatedAt.IsZero() {
		cl.CreatedAt = s.now()
	}
	res, err := s.db.Collection(callLogCollection).InsertOne(ctx, cl)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		cl.ID = oid
	}
	s.logger.Debug("call log persisted",
		zap.String("call_id", cl.CallID), zap.String("id", cl.ID.Hex()))
	return nil
}

// ByCallID fetches the log for one call.
func (s *Store) ByCallID(ctx context.Context, callID string) (*CallLog, error) {
	var cl CallLog
	err := s.db.Collection(callLogCollection).
		FindOne(ctx, bson.M{"call_id": callID}).Decode(&cl)
	if err != nil {
		return nil, fmt.Errorf("load call log %s: %w", callID, err)
	}
	return &cl, nil
}

// FindContacts returns contacts matching a caller-supplied filter,
// bounded by limit. Used to materialize run tasks from a CRM segment.
func (s *Store) FindContacts(ctx context.Context, collection string, filter map[string]any, limit int64) ([]Contact, error) {
	if collection == "" {
		collection = defaultContactCollection
	}
	query := bson.M{}
	for k, v := range filter {
		query[k] = v
	}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.db.Collection(collection).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	defer cur.Close(ctx)

	var out []Contact
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return out, nil
}

// ResolveContact finds the contact document for a phone number,
// creating it when absent. Returns the document id (hex) and the
// collection it lives in.
func (s *Store) ResolveContact(ctx context.Context, collection, name, phone string) (string, string, error) {
	if collection == "" {
		collection = defaultContactCollection
	}
	coll := s.db.Collection(collection)

	var existing Contact
	err := coll.FindOne(ctx, bson.M{"phone": phone}).Decode(&existing)
	if err == nil {
		return existing.ID.Hex(), collection, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return "", "", fmt.Errorf("lookup contact: %w", err)
	}

	now := s.now()
	c := Contact{Name: name, Phone: phone, CreatedAt: now, UpdatedAt: now}
	res, err := coll.InsertOne(ctx, c)
	if err != nil {
		return "", "", fmt.Errorf("create contact: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", "", fmt.Errorf("create contact: unexpected id type %T", res.InsertedID)
	}
	s.logger.Info("contact created",
		zap.String("phone", phone), zap.String("id", oid.Hex()))
	return oid.Hex(), collection, nil
}
