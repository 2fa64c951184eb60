package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

func TestURI(t *testing.T) {
	uri := URI(&models.Connection{Host: "mongo", Username: "app", Password: "pw"})
	assert.Equal(t, "mongodb://app:pw@mongo:27017/?authSource=admin", uri)

	uri = URI(&models.Connection{Options: map[string]string{"connection_string": "mongodb+srv://x"}})
	assert.Equal(t, "mongodb+srv://x", uri)
}

func TestInferSchema(t *testing.T) {
	docs := []bson.M{
		{"_id": primitive.NewObjectID(), "name": "a", "qty": int32(1)},
		{"_id": primitive.NewObjectID(), "name": "b", "tags": bson.A{"x"}},
	}
	schema := InferSchema(capability.TableRef{Schema: "shop", Name: "items"}, docs)

	require.Len(t, schema.Columns, 4)
	assert.Equal(t, []string{"_id"}, schema.PrimaryKey())
	assert.Equal(t, "_id", schema.Columns[0].Name)
	assert.Equal(t, "name", schema.Columns[1].Name)
	assert.False(t, schema.Columns[1].Nullable)
	assert.Equal(t, "qty", schema.Columns[2].Name)
	assert.True(t, schema.Columns[2].Nullable)
	assert.Equal(t, "array", schema.Columns[3].DataType)
}

func TestInferSchemaEmptyCollection(t *testing.T) {
	schema := InferSchema(capability.TableRef{Name: "empty"}, nil)
	require.Len(t, schema.Columns, 1)
	assert.Equal(t, "_id", schema.Columns[0].Name)
}

func TestBuildPage(t *testing.T) {
	id := primitive.NewObjectID()
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	docs := []bson.M{
		{"_id": id, "at": primitive.NewDateTimeFromTime(when), "extra": 1},
		{"_id": primitive.NewObjectID()},
		{"_id": primitive.NewObjectID()},
	}

	page := BuildPage([]string{"_id", "at"}, docs, 2)
	assert.True(t, page.HasMore)
	require.Equal(t, 2, page.Len())
	assert.Equal(t, id.Hex(), page.Rows[0][0])
	assert.Equal(t, when, page.Rows[0][1])
	assert.Nil(t, page.Rows[1][1])

	page = BuildPage([]string{"_id"}, docs[:1], 2)
	assert.False(t, page.HasMore)
}

func TestNormalizeNested(t *testing.T) {
	assert.Equal(t, `{"a":"b"}`, normalize(bson.M{"a": "b"}))
	assert.Equal(t, `["x","y"]`, normalize(bson.A{"x", "y"}))
}

func TestRegistered(t *testing.T) {
	assert.True(t, registry.GetRegistry().HasSource(models.FamilyMongoDB))
}
