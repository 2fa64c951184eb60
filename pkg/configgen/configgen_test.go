package configgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

func testPipeline() *models.Pipeline {
	p := models.NewPipeline("3f2a9c10-77aa-4b1e-9d3c-000000000001", "Orders Sync", models.ModeFullLoadAndCDC)
	p.SourceDatabase = "shop"
	p.SourceSchema = "public"
	p.SourceTables = []string{"orders", "sales.items"}
	p.TargetDatabase = "warehouse"
	p.TargetSchema = "raw"
	return p
}

func TestNames(t *testing.T) {
	p := testPipeline()

	assert.Equal(t, "orders_sync", TopicPrefix(p))
	assert.Equal(t, "orders_sync-3f2a9c10-source", ConnectorName(p, models.RoleSource))
	assert.Equal(t, "orders_sync-3f2a9c10-sink", ConnectorName(p, models.RoleSink))

	assert.Equal(t, "orders_sync.public.orders", TopicName(p, models.FamilyPostgreSQL, "orders"))
	assert.Equal(t, "orders_sync.sales.items", TopicName(p, models.FamilyPostgreSQL, "sales.items"))
	assert.Equal(t, "orders_sync.PUBLIC.ORDERS", TopicName(p, models.FamilyOracle, "orders"))
	assert.Equal(t, "orders_sync.shop.orders", TopicName(p, models.FamilyMySQL, "orders"))
	assert.Equal(t, []string{"orders_sync.public.orders", "orders_sync.sales.items"},
		TopicNames(p, models.FamilyPostgreSQL))
}

func TestTopicPrefixFallsBackToID(t *testing.T) {
	p := models.NewPipeline("abc-def", "  ", models.ModeCDCOnly)
	assert.Equal(t, "pipeline_abcdef", TopicPrefix(p))
}

func TestTopicNameIsDeterministic(t *testing.T) {
	p := testPipeline()
	first := TopicName(p, models.FamilyDB2, "orders")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, TopicName(p, models.FamilyDB2, "orders"))
	}
}

func TestSameTopics(t *testing.T) {
	assert.True(t, SameTopics([]string{"a", "b"}, []string{"b", "a"}))
	assert.True(t, SameTopics(ParseTopicList(" a, b ,"), []string{"a", "b"}))
	assert.False(t, SameTopics([]string{"a"}, []string{"a", "b"}))
	assert.False(t, SameTopics([]string{"a", "c"}, []string{"a", "b"}))
	assert.True(t, SameTopics(nil, nil))
}

func TestSourceConfigPostgres(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	conn := &models.Connection{Family: models.FamilyPostgreSQL, Host: "db", Port: 5432, Username: "u", Password: "pw", Database: "shop"}

	cfg, err := g.SourceConfig(testPipeline(), conn, models.SnapshotNever)
	require.NoError(t, err)
	assert.Equal(t, "io.debezium.connector.postgresql.PostgresConnector", cfg["connector.class"])
	assert.Equal(t, "never", cfg["snapshot.mode"])
	assert.Equal(t, "orders_sync", cfg["topic.prefix"])
	assert.Equal(t, "public.orders,sales.items", cfg["table.include.list"])
	assert.Equal(t, "orders_sync_slot", cfg["slot.name"])
	assert.Equal(t, "5432", cfg["database.port"])
	assert.Equal(t, "shop", cfg["database.dbname"])
}

func TestSourceConfigMySQLUsesSchemaHistory(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{Brokers: []string{"k1:9092", "k2:9092"}})
	conn := &models.Connection{Family: models.FamilyMySQL, Host: "db", Port: 3306}

	cfg, err := g.SourceConfig(testPipeline(), conn, models.SnapshotSchemaOnly)
	require.NoError(t, err)
	assert.Equal(t, "schema_only", cfg["snapshot.mode"])
	assert.Equal(t, "schema-history.orders_sync", cfg["schema.history.internal.kafka.topic"])
	assert.Equal(t, "k1:9092,k2:9092", cfg["schema.history.internal.kafka.bootstrap.servers"])
	assert.NotEmpty(t, cfg["database.server.id"])

	again, err := g.SourceConfig(testPipeline(), conn, models.SnapshotSchemaOnly)
	require.NoError(t, err)
	assert.Equal(t, cfg["database.server.id"], again["database.server.id"])
}

func TestSourceConfigMongo(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	conn := &models.Connection{Family: models.FamilyMongoDB, Host: "mongo", Port: 27017, Username: "u", Password: "p",
		Options: map[string]string{"replica_set": "rs0"}}

	cfg, err := g.SourceConfig(testPipeline(), conn, models.SnapshotInitial)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://u:p@mongo:27017/?replicaSet=rs0", cfg["mongodb.connection.string"])
	assert.Equal(t, "shop.orders,sales.items", cfg["collection.include.list"])
	_, hasHost := cfg["database.hostname"]
	assert.False(t, hasHost)
}

func TestSourceConfigRejectsNonSourceFamilies(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	_, err := g.SourceConfig(testPipeline(), &models.Connection{Family: models.FamilyS3}, models.SnapshotInitial)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))

	p := testPipeline()
	p.SourceTables = nil
	_, err = g.SourceConfig(p, &models.Connection{Family: models.FamilyPostgreSQL}, models.SnapshotInitial)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSinkConfigJDBC(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	target := &models.Connection{Family: models.FamilyPostgreSQL, Host: "wh", Port: 5433, Username: "w", Password: "x"}

	cfg, err := g.SinkConfig(testPipeline(), nil, target, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "a,b", cfg["topics"])
	assert.Equal(t, "jdbc:postgresql://wh:5433/warehouse", cfg["connection.url"])
	assert.Equal(t, "raw.${source.table}", cfg["table.name.format"])
	assert.Equal(t, "upsert", cfg["insert.mode"])
}

func TestSinkConfigSnowflakeMapsTopicsToTables(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	p := testPipeline()
	p.TableMapping = map[string]string{"orders": "fact_orders"}
	source := &models.Connection{Family: models.FamilyPostgreSQL}
	target := &models.Connection{Family: models.FamilySnowflake, Host: "acct.snowflakecomputing.com", Username: "svc"}
	topics := TopicNames(p, source.Family)

	cfg, err := g.SinkConfig(p, source, target, topics)
	require.NoError(t, err)
	assert.Equal(t, "com.snowflake.kafka.connector.SnowflakeSinkConnector", cfg["connector.class"])
	assert.Equal(t, "WAREHOUSE", cfg["snowflake.database.name"])
	mapping := cfg["snowflake.topic2table.map"]
	assert.True(t, strings.Contains(mapping, "orders_sync.public.orders:FACT_ORDERS"), mapping)
	assert.True(t, strings.Contains(mapping, "orders_sync.sales.items:ITEMS"), mapping)
	_, hasRole := cfg["snowflake.role.name"]
	assert.False(t, hasRole)
}

func TestSinkConfigObjectStores(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	s3 := &models.Connection{Family: models.FamilyS3, Options: map[string]string{"bucket": "lake", "region": "eu-west-1"}}
	cfg, err := g.SinkConfig(testPipeline(), nil, s3, []string{"t"})
	require.NoError(t, err)
	assert.Equal(t, "lake", cfg["s3.bucket.name"])
	assert.Equal(t, "eu-west-1", cfg["s3.region"])

	gcs := &models.Connection{Family: models.FamilyGCS, Database: "bucket-from-db"}
	cfg, err = g.SinkConfig(testPipeline(), nil, gcs, []string{"t"})
	require.NoError(t, err)
	assert.Equal(t, "bucket-from-db", cfg["gcs.bucket.name"])
}

func TestSinkConfigRequiresTopics(t *testing.T) {
	g := NewGenerator(config.KafkaConfig{})
	_, err := g.SinkConfig(testPipeline(), nil, &models.Connection{Family: models.FamilyPostgreSQL}, nil)
	require.Error(t, err)
}
