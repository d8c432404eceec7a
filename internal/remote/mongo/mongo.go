// Package mongo implements remote.Client on MongoDB. Each remote table is a
// collection; numeric ids are drawn from a counters collection so that rows
// keep the ordering the other backends get from a serial column.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/auth"

	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

// CountersCollection holds one sequence document per table
const CountersCollection = "exporter_counters"

// MongoDB server error codes for rejected credentials
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// Client is a remote.Client backed by one MongoDB database
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ remote.Client = (*Client)(nil)

// Connect creates a client for database at uri. When password is set it
// replaces the password of the user named in the URI. The driver connects
// lazily; use Ping to verify the target.
func Connect(ctx context.Context, uri, database, password string) (*Client, error) {
	clientOptions := options.Client().ApplyURI(uri)
	if err := clientOptions.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MongoDB URI: %w", err)
	}

	if password != "" && clientOptions.Auth != nil && clientOptions.Auth.Username != "" {
		cred := *clientOptions.Auth
		cred.Password = password
		cred.PasswordSet = true
		clientOptions.SetAuth(cred)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	slog.Debug("MongoDB client created", "database", database)
	return &Client{client: client, db: client.Database(database)}, nil
}

// Select implements remote.Client
func (c *Client) Select(ctx context.Context, table string, q remote.Query) ([]remote.Row, error) {
	cursor, err := c.db.Collection(table).Find(ctx, buildFilter(q.Filters), findOptions(q))
	if err != nil {
		return nil, classify(remote.OpSelect, table, err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(remote.OpSelect, table, err)
	}

	rows := make([]remote.Row, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, toRow(doc))
	}
	return rows, nil
}

// Insert implements remote.Client
func (c *Client) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	doc := make(bson.M, len(row)+2)
	for k, v := range row {
		doc[k] = v
	}

	if _, ok := doc[record.ColumnID]; !ok {
		id, err := c.nextID(ctx, table)
		if err != nil {
			return nil, classify(remote.OpInsert, table, err)
		}
		doc[record.ColumnID] = id
	}
	if _, ok := doc[record.ColumnCreatedAt]; !ok {
		doc[record.ColumnCreatedAt] = time.Now().UTC().Truncate(time.Millisecond)
	}

	if _, err := c.db.Collection(table).InsertOne(ctx, doc); err != nil {
		return nil, classify(remote.OpInsert, table, err)
	}

	delete(doc, "_id")
	return toRow(doc), nil
}

// Upsert implements remote.Client
func (c *Client) Upsert(ctx context.Context, table string, row remote.Row, conflictColumn string) error {
	key, ok := row[conflictColumn]
	if !ok {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindAPI,
			fmt.Errorf("upsert row has no value for conflict column %q", conflictColumn))
	}

	set := bson.M{}
	for k, v := range row {
		if k != conflictColumn {
			set[k] = v
		}
	}
	update := bson.M{
		"$setOnInsert": bson.M{record.ColumnCreatedAt: time.Now().UTC().Truncate(time.Millisecond)},
	}
	if len(set) > 0 {
		update["$set"] = set
	}

	_, err := c.db.Collection(table).UpdateOne(ctx,
		bson.D{{Key: conflictColumn, Value: key}},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return classify(remote.OpUpsert, table, err)
	}
	return nil
}

// Ping implements remote.Client
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return classify(remote.OpPing, "", err)
	}
	return nil
}

// Close implements remote.Client
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

func (c *Client) nextID(ctx context.Context, table string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := c.db.Collection(CountersCollection).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: table}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return counter.Seq, nil
}

func buildFilter(filters []remote.Filter) bson.D {
	filter := bson.D{}
	for _, f := range filters {
		filter = append(filter, bson.E{Key: f.Column, Value: f.Value})
	}
	return filter
}

func findOptions(q remote.Query) *options.FindOptions {
	opts := options.Find().SetProjection(bson.D{{Key: "_id", Value: 0}})
	if q.Order != nil {
		dir := 1
		if q.Order.Descending {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.Order.Column, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	return opts
}

// toRow converts a decoded document to a plain row. Nested documents become
// map[string]any so the record parsers accept them.
func toRow(doc bson.M) remote.Row {
	row := make(remote.Row, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		row[k] = normalize(v)
	}
	return row
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = normalize(inner)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		a := make([]any, len(t))
		for i, inner := range t {
			a[i] = normalize(inner)
		}
		return a
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}

func classify(op, table string, err error) error {
	// handshake failures surface as connection errors wrapping an auth error
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return remote.NewOperationError(op, table, remote.KindAuth, err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorCode(codeUnauthorized) || serverErr.HasErrorCode(codeAuthenticationFailed) {
			return remote.NewOperationError(op, table, remote.KindAuth, err)
		}
		if !mongo.IsNetworkError(err) && !mongo.IsTimeout(err) {
			return remote.NewOperationError(op, table, remote.KindAPI, err)
		}
	}
	return remote.NewOperationError(op, table, remote.KindTransport, err)
}
