// Package mongodb reads collections and the change stream position from MongoDB
package mongodb

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/shared"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

const (
	idField    = "_id"
	sampleSize = 100
)

// Source is the MongoDB source capability. A TableRef's schema is the database
// and its name the collection.
type Source struct {
	client   *mongo.Client
	database string
	logger   *zap.Logger

	mu      sync.Mutex
	columns map[string][]string
}

// URI builds a connection string from a connection record
func URI(c *models.Connection) string {
	if uri := c.Option("connection_string", ""); uri != "" {
		return uri
	}
	port := c.Port
	if port == 0 {
		port = 27017
	}
	u := url.URL{Scheme: "mongodb", Host: c.Host + ":" + strconv.Itoa(port), Path: "/"}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	q.Set("authSource", c.Option("auth_source", "admin"))
	if rs := c.Option("replica_set", ""); rs != "" {
		q.Set("replicaSet", rs)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NewSource connects and pings the deployment
func NewSource(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Source, error) {
	clientOpts := options.Client().
		ApplyURI(URI(conn)).
		SetAppName("nebula-cdc").
		SetServerSelectionTimeout(10 * time.Second)
	if opts.MaxConns > 0 {
		clientOpts.SetMaxPoolSize(uint64(opts.MaxConns))
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping MongoDB")
	}

	l := opts.Logger.With(zap.String("component", "mongodb_source"), zap.String("connection_id", conn.ID))
	l.Info("Connected to MongoDB", zap.String("host", conn.Host), zap.String("database", conn.Database))
	return &Source{client: client, database: conn.Database, logger: l, columns: make(map[string][]string)}, nil
}

// Family implements capability.Source
func (s *Source) Family() models.Family { return models.FamilyMongoDB }

func (s *Source) collection(t capability.TableRef) *mongo.Collection {
	db := t.Schema
	if db == "" {
		db = s.database
	}
	return s.client.Database(db).Collection(t.Name)
}

// ExtractSchema infers columns from a sample of documents. _id is the primary key.
func (s *Source) ExtractSchema(ctx context.Context, table capability.TableRef) (*capability.TableSchema, error) {
	cur, err := s.collection(table).Find(ctx, bson.D{}, options.Find().SetLimit(sampleSize).SetSort(bson.D{{Key: idField, Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to sample "+table.String())
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode sample of "+table.String())
	}
	schema := InferSchema(table, docs)

	s.mu.Lock()
	s.columns[table.String()] = columnNames(schema)
	s.mu.Unlock()
	return schema, nil
}

// InferSchema unions the fields of docs. A field missing from any document is nullable.
func InferSchema(table capability.TableRef, docs []bson.M) *capability.TableSchema {
	types := make(map[string]string)
	seen := make(map[string]int)
	for _, doc := range docs {
		for k, v := range doc {
			seen[k]++
			if _, ok := types[k]; !ok || types[k] == "null" {
				types[k] = typeName(v)
			}
		}
	}

	names := make([]string, 0, len(types))
	for k := range types {
		if k != idField {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	names = append([]string{idField}, names...)

	schema := &capability.TableSchema{Table: table}
	for i, name := range names {
		dt, ok := types[name]
		if !ok {
			dt = "objectId"
		}
		schema.Columns = append(schema.Columns, capability.Column{
			Name:       name,
			DataType:   dt,
			Nullable:   name != idField && (seen[name] < len(docs) || dt == "null"),
			PrimaryKey: name == idField,
			Position:   i + 1,
		})
	}
	return schema
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bool:
		return "bool"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime:
		return "timestamp"
	case primitive.Decimal128:
		return "decimal"
	case bson.M, bson.D:
		return "object"
	case bson.A:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func columnNames(s *capability.TableSchema) []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// ExtractDataPage reads up to limit documents starting at offset in _id order
func (s *Source) ExtractDataPage(ctx context.Context, table capability.TableRef, limit, offset int) (*capability.Page, error) {
	s.mu.Lock()
	cols, ok := s.columns[table.String()]
	s.mu.Unlock()
	if !ok {
		schema, err := s.ExtractSchema(ctx, table)
		if err != nil {
			return nil, err
		}
		cols = columnNames(schema)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: idField, Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit) + 1)
	cur, err := s.collection(table).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read page of "+table.String())
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode page of "+table.String())
	}
	return BuildPage(cols, docs, limit), nil
}

// BuildPage projects documents onto cols. Fields outside cols are dropped.
func BuildPage(cols []string, docs []bson.M, limit int) *capability.Page {
	page := &capability.Page{Columns: cols}
	if len(docs) > limit {
		page.HasMore = true
		docs = docs[:limit]
	}
	for _, doc := range docs {
		row := make([]interface{}, len(cols))
		for i, c := range cols {
			row[i] = normalize(doc[c])
		}
		page.Rows = append(page.Rows, row)
	}
	return page
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Decimal128:
		return x.String()
	case bson.M, bson.D, bson.A:
		out, err := bson.MarshalExtJSON(bson.M{"v": x}, false, false)
		if err != nil {
			return fmt.Sprint(x)
		}
		// strip the {"v": ...} wrapper
		return string(out[5 : len(out)-1])
	default:
		return shared.NormalizeValue(v)
	}
}

// ExtractCurrentPosition returns the resume token of a freshly opened change stream.
// Deployments without change streams fall back to the cluster operation time.
func (s *Source) ExtractCurrentPosition(ctx context.Context) (string, error) {
	db := s.client.Database(s.database)
	cs, err := db.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetMaxAwaitTime(time.Second))
	if err == nil {
		defer cs.Close(ctx)
		if token := cs.ResumeToken(); token != nil {
			if data, err := token.LookupErr("_data"); err == nil {
				if hex, ok := data.StringValueOK(); ok {
					return hex, nil
				}
			}
			return token.String(), nil
		}
	} else {
		s.logger.Debug("change stream unavailable, using operation time", zap.Error(err))
	}

	var hello bson.M
	if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeQuery, "failed to run hello")
	}
	if ts, ok := hello["operationTime"].(primitive.Timestamp); ok {
		return fmt.Sprintf("ts:%d:%d", ts.T, ts.I), nil
	}
	return "", nil
}

// ValidateHasData reports whether the collection has at least one document
func (s *Source) ValidateHasData(ctx context.Context, table capability.TableRef) (bool, error) {
	err := s.collection(table).FindOne(ctx, bson.D{}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to check rows in "+table.String())
	}
	return true, nil
}

// CountRows implements capability.RowCounter
func (s *Source) CountRows(ctx context.Context, table capability.TableRef) (int64, error) {
	n, err := s.collection(table).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count "+table.String())
	}
	return n, nil
}

// Close disconnects the client
func (s *Source) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func init() {
	_ = registry.RegisterSource(models.FamilyMongoDB, NewSource)
}
