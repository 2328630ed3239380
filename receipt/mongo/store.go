// Package mongo implements receipt.Store on MongoDB, for deployments that
// want receipts queryable across projects instead of (or in addition to)
// the per-project receipts directory.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/kulesh/waypoints/receipt"
)

type (
	// Store is a Mongo-backed receipt.Store that also satisfies the Clue
	// health.Pinger contract for liveness wiring.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	receiptDocument struct {
		ID         bson.ObjectID `bson:"_id,omitempty"`
		WaypointID string        `bson:"waypoint_id"`
		Payload    []byte        `bson:"payload"`
		CreatedAt  time.Time     `bson:"created_at"`
	}
)

const (
	defaultCollection = "waypoint_receipts"
	defaultTimeout    = 5 * time.Second
	storeName         = "receipt-mongo"
)

var _ receipt.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newWithCollection(opts.Client, wrapper, timeout)
}

func newWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save inserts r and returns its document id as the receipt path.
func (s *Store) Save(ctx context.Context, r *receipt.Receipt) (string, error) {
	if r == nil {
		return "", errors.New("receipt is required")
	}
	if r.WaypointID == "" {
		return "", errors.New("waypoint id is required")
	}

	payload, err := bson.MarshalExtJSON(r, false, false)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.InsertOne(ctx, receiptDocument{
		WaypointID: r.WaypointID,
		Payload:    payload,
		CreatedAt:  createdAt.UTC(),
	})
	if err != nil {
		return "", err
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

// Latest returns the most recently created receipt for waypointID.
func (s *Store) Latest(ctx context.Context, waypointID string) (*receipt.Receipt, error) {
	if waypointID == "" {
		return nil, errors.New("waypoint id is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.coll.FindOne(ctx, bson.M{"waypoint_id": waypointID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, receipt.ErrNotFound
		}
		return nil, err
	}

	var r receipt.Receipt
	if err := bson.UnmarshalExtJSON(doc.Payload, false, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "waypoint_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection narrows *mongodriver.Collection to what the store uses, so
// tests can substitute a double without a running MongoDB.
type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) (receiptDocument, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) (receiptDocument, error) {
	var doc receiptDocument
	err := c.coll.FindOne(ctx, filter, opts...).Decode(&doc)
	return doc, err
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
