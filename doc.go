// Package nebula drives change data capture pipelines. A pipeline copies the
// rows that already exist in a source database into a target, captures the
// source log position at that moment, and then hands over to log-based
// streaming through a pair of Kafka Connect connectors.
//
// # Architecture
//
// The engine is split into a small number of layers:
//
// 1. Capabilities: per-family source and target adapters registered in
// pkg/connector/registry. Sources extract pages and capture offsets; targets
// come in relational, object store and envelope shapes.
//
// 2. Full load: internal/fullload copies every configured table, validates row
// counts and records the offset token the streaming phase starts from.
//
// 3. Connector reconciliation: internal/reconciler converges the source and
// sink connectors on the desired state, reusing live connectors, restarting
// failed ones and recreating what cannot be revived.
//
// 4. Orchestration: internal/pipeline composes the layers into start, stop,
// pause and status, persisting every transition through a tolerant writer.
//
// # Quick Start
//
//	nebula-cdc validate --config engine.yaml --definitions pipelines.yaml
//	nebula-cdc start orders-replica --config engine.yaml --definitions pipelines.yaml
//	nebula-cdc status orders-replica --config engine.yaml
//
// Any configuration key may be overridden from the environment with the
// NEBULA_CDC_ prefix, for example NEBULA_CDC_CONNECT_URL or NEBULA_CDC_STORE_DSN.
//
// # Key Packages
//
//	internal/pipeline     - Pipeline state machine and snapshot mode decision
//	internal/fullload     - Full-load coordinator
//	internal/reconciler   - Connector reconciliation and topic discovery
//	internal/schemasync   - Target schema and table creation
//	pkg/capability        - Source and target capability interfaces
//	pkg/configgen         - Connector configuration and naming
//	pkg/connect           - Kafka Connect REST client
//	pkg/store             - Pipeline record stores
//	pkg/errors            - Structured error handling
//	pkg/logger            - Structured logging
//	pkg/metrics           - Prometheus metrics
//
// # Connectors
//
// Sources: PostgreSQL, MySQL, MongoDB.
//
// Targets: PostgreSQL (relational), S3 and GCS (object store), Snowflake (envelope).
package nebula
