package configgen

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

const (
	jsonConverter = "org.apache.kafka.connect.json.JsonConverter"
	defaultTasks  = "1"
)

var sourceClasses = map[models.Family]string{
	models.FamilyPostgreSQL: "io.debezium.connector.postgresql.PostgresConnector",
	models.FamilyMySQL:      "io.debezium.connector.mysql.MySqlConnector",
	models.FamilyMongoDB:    "io.debezium.connector.mongodb.MongoDbConnector",
	models.FamilySQLServer:  "io.debezium.connector.sqlserver.SqlServerConnector",
	models.FamilyOracle:     "io.debezium.connector.oracle.OracleConnector",
	models.FamilyDB2:        "io.debezium.connector.db2.Db2Connector",
}

// Generator builds connector configurations
type Generator struct {
	kafka config.KafkaConfig
}

// NewGenerator returns a generator; broker addresses feed the schema history topic
func NewGenerator(kafka config.KafkaConfig) *Generator {
	return &Generator{kafka: kafka}
}

// SourceConfig builds the capture connector configuration for the pipeline's source
func (g *Generator) SourceConfig(p *models.Pipeline, conn *models.Connection, mode models.SnapshotMode) (map[string]string, error) {
	if conn == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "source connection is required")
	}
	class, ok := sourceClasses[conn.Family]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeCapability, "family %s cannot be a capture source", conn.Family)
	}
	if len(p.SourceTables) == 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "pipeline %s has no source tables", p.ID)
	}

	prefix := TopicPrefix(p)
	cfg := map[string]string{
		"connector.class":                   class,
		"tasks.max":                         defaultTasks,
		"topic.prefix":                      prefix,
		"snapshot.mode":                     mode.ConnectorValue(),
		"key.converter":                     jsonConverter,
		"value.converter":                   jsonConverter,
		"key.converter.schemas.enable":      "false",
		"value.converter.schemas.enable":    "false",
		"tombstones.on.delete":              "false",
		"include.schema.changes":            "false",
		"decimal.handling.mode":             "string",
		"time.precision.mode":               "connect",
		"errors.log.enable":                 "true",
		"topic.creation.default.partitions": "1",
	}
	cfg["topic.creation.default.replication.factor"] = "-1"
	database := firstNonEmpty(p.SourceDatabase, conn.Database)
	tables := qualifiedTables(p, conn.Family)

	switch conn.Family {
	case models.FamilyMongoDB:
		cfg["mongodb.connection.string"] = mongoURI(conn)
		cfg["database.include.list"] = database
		cfg["collection.include.list"] = strings.Join(tables, ",")
	default:
		cfg["database.hostname"] = conn.Host
		cfg["database.port"] = strconv.Itoa(conn.Port)
		cfg["database.user"] = conn.Username
		cfg["database.password"] = conn.Password
		cfg["table.include.list"] = strings.Join(tables, ",")
	}

	switch conn.Family {
	case models.FamilyPostgreSQL:
		cfg["database.dbname"] = database
		cfg["plugin.name"] = conn.Option("plugin", "pgoutput")
		cfg["slot.name"] = conn.Option("slot", slotName(prefix))
		cfg["publication.name"] = conn.Option("publication", prefix+"_pub")
		cfg["publication.autocreate.mode"] = "filtered"
	case models.FamilyMySQL:
		cfg["database.server.id"] = conn.Option("server_id", strconv.FormatUint(uint64(serverID(p.ID)), 10))
		cfg["database.include.list"] = database
		g.schemaHistory(cfg, prefix)
	case models.FamilySQLServer:
		cfg["database.names"] = database
		cfg["database.encrypt"] = conn.Option("encrypt", "false")
		g.schemaHistory(cfg, prefix)
	case models.FamilyOracle:
		cfg["database.dbname"] = database
		if pdb := conn.Option("pdb", ""); pdb != "" {
			cfg["database.pdb.name"] = pdb
		}
		cfg["log.mining.strategy"] = conn.Option("log_mining_strategy", "online_catalog")
		g.schemaHistory(cfg, prefix)
	case models.FamilyDB2:
		cfg["database.dbname"] = database
		g.schemaHistory(cfg, prefix)
	}
	return cfg, nil
}

func (g *Generator) schemaHistory(cfg map[string]string, prefix string) {
	cfg["schema.history.internal.kafka.topic"] = "schema-history." + prefix
	if g.kafka.HasBrokers() {
		cfg["schema.history.internal.kafka.bootstrap.servers"] = strings.Join(g.kafka.Brokers, ",")
	}
}

// SinkConfig builds the sink connector configuration bound to topics
func (g *Generator) SinkConfig(p *models.Pipeline, source, target *models.Connection, topics []string) (map[string]string, error) {
	if target == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "target connection is required")
	}
	if len(topics) == 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "pipeline %s has no topics to bind", p.ID)
	}
	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)

	cfg := map[string]string{
		"tasks.max":                      defaultTasks,
		"topics":                         strings.Join(sorted, ","),
		"key.converter":                  jsonConverter,
		"value.converter":                jsonConverter,
		"key.converter.schemas.enable":   "false",
		"value.converter.schemas.enable": "false",
		"errors.tolerance":               "none",
		"errors.log.enable":              "true",
	}
	database := firstNonEmpty(p.TargetDatabase, target.Database)
	schema := firstNonEmpty(p.TargetSchema, target.Schema)

	switch target.Family {
	case models.FamilySnowflake:
		cfg["connector.class"] = "com.snowflake.kafka.connector.SnowflakeSinkConnector"
		cfg["snowflake.url.name"] = firstNonEmpty(target.Option("url", ""), target.Host)
		cfg["snowflake.user.name"] = target.Username
		if key := target.Option("private_key", ""); key != "" {
			cfg["snowflake.private.key"] = key
		}
		cfg["snowflake.database.name"] = strings.ToUpper(database)
		cfg["snowflake.schema.name"] = strings.ToUpper(schema)
		if role := target.Option("role", ""); role != "" {
			cfg["snowflake.role.name"] = role
		}
		cfg["snowflake.ingestion.method"] = target.Option("ingestion_method", "SNOWPIPE_STREAMING")
		cfg["snowflake.topic2table.map"] = topicTableMap(p, source, sorted)
		cfg["buffer.flush.time"] = target.Option("flush_seconds", "10")
	case models.FamilyS3:
		cfg["connector.class"] = "io.confluent.connect.s3.S3SinkConnector"
		cfg["storage.class"] = "io.confluent.connect.s3.storage.S3Storage"
		cfg["s3.bucket.name"] = target.Option("bucket", database)
		cfg["s3.region"] = target.Option("region", "us-east-1")
		cfg["topics.dir"] = target.Option("prefix", "cdc")
		cfg["format.class"] = "io.confluent.connect.s3.format.json.JsonFormat"
		cfg["flush.size"] = target.Option("flush_size", "1000")
	case models.FamilyGCS:
		cfg["connector.class"] = "io.confluent.connect.gcs.GcsSinkConnector"
		cfg["storage.class"] = "io.confluent.connect.gcs.storage.GcsStorage"
		cfg["gcs.bucket.name"] = target.Option("bucket", database)
		cfg["topics.dir"] = target.Option("prefix", "cdc")
		cfg["format.class"] = "io.confluent.connect.gcs.format.json.JsonFormat"
		cfg["flush.size"] = target.Option("flush_size", "1000")
	case models.FamilyMongoDB:
		cfg["connector.class"] = "com.mongodb.kafka.connect.MongoSinkConnector"
		cfg["connection.uri"] = mongoURI(target)
		cfg["database"] = database
		cfg["change.data.capture.handler"] = "com.mongodb.kafka.connect.sink.cdc.debezium.rdbms.RdbmsHandler"
	default:
		jdbc, err := jdbcURL(target, database)
		if err != nil {
			return nil, err
		}
		cfg["connector.class"] = "io.debezium.connector.jdbc.JdbcSinkConnector"
		cfg["connection.url"] = jdbc
		cfg["connection.username"] = target.Username
		cfg["connection.password"] = target.Password
		cfg["insert.mode"] = "upsert"
		cfg["delete.enabled"] = "true"
		cfg["primary.key.mode"] = "record_key"
		cfg["schema.evolution"] = "basic"
		if schema != "" {
			cfg["table.name.format"] = schema + ".${source.table}"
		} else {
			cfg["table.name.format"] = "${source.table}"
		}
	}
	return cfg, nil
}

// qualifiedTables returns namespace.table for every source table
func qualifiedTables(p *models.Pipeline, family models.Family) []string {
	out := make([]string, 0, len(p.SourceTables))
	for _, t := range p.SourceTables {
		out = append(out, SourceTableRef(p, family, t).String())
	}
	return out
}

// topicTableMap maps every bound topic to its target table name
func topicTableMap(p *models.Pipeline, source *models.Connection, topics []string) string {
	byTopic := make(map[string]string, len(p.SourceTables))
	if source != nil {
		for _, t := range p.SourceTables {
			byTopic[TopicName(p, source.Family, t)] = p.TargetTableFor(t)
		}
	}
	pairs := make([]string, 0, len(topics))
	for _, topic := range topics {
		table, ok := byTopic[topic]
		if !ok {
			table = topic[strings.LastIndex(topic, ".")+1:]
		}
		pairs = append(pairs, topic+":"+strings.ToUpper(table))
	}
	return strings.Join(pairs, ",")
}

func jdbcURL(c *models.Connection, database string) (string, error) {
	hostPort := fmt.Sprintf("%s:%d", c.Host, c.Port)
	switch c.Family {
	case models.FamilyPostgreSQL:
		return "jdbc:postgresql://" + hostPort + "/" + database, nil
	case models.FamilyMySQL:
		return "jdbc:mysql://" + hostPort + "/" + database, nil
	case models.FamilySQLServer:
		return "jdbc:sqlserver://" + hostPort + ";databaseName=" + database + ";encrypt=" + c.Option("encrypt", "false"), nil
	case models.FamilyOracle:
		return "jdbc:oracle:thin:@" + hostPort + "/" + database, nil
	case models.FamilyDB2:
		return "jdbc:db2://" + hostPort + "/" + database, nil
	}
	return "", errors.Newf(errors.ErrorTypeCapability, "family %s cannot be a sink target", c.Family)
}

func mongoURI(c *models.Connection) string {
	if uri := c.Option("uri", ""); uri != "" {
		return uri
	}
	u := url.URL{Scheme: "mongodb", Host: fmt.Sprintf("%s:%d", c.Host, c.Port), Path: "/"}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	if rs := c.Option("replica_set", ""); rs != "" {
		q.Set("replicaSet", rs)
	}
	if auth := c.Option("auth_source", ""); auth != "" {
		q.Set("authSource", auth)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// slotName fits postgres replication slot rules: lower-case, [a-z0-9_], at most 63 bytes
func slotName(prefix string) string {
	s := strings.ReplaceAll(prefix, "-", "_") + "_slot"
	if len(s) > 63 {
		s = s[len(s)-63:]
	}
	return s
}

// serverID derives a stable MySQL replica id from the pipeline id
func serverID(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return 5400 + h.Sum32()%100000
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
