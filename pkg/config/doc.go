// Package config provides configuration management for the nebula-cdc engine.
//
// # Usage
//
// ## Loading the engine configuration
//
//	cfg := config.NewConfig()
//	if err := config.Load("nebula-cdc.yaml", cfg); err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Values absent from the file keep the defaults from NewConfig.
//
// ## Environment Variable Substitution
//
// Any ${VAR_NAME} in a YAML file is replaced with the environment value before
// parsing. ${VAR_NAME:-fallback} supplies a value when the variable is unset:
//
//	store:
//	  driver: postgres
//	  dsn: ${NEBULA_CDC_STORE_DSN}
//	connect:
//	  url: ${CONNECT_URL:-http://localhost:8083}
//
// ## Definitions
//
// LoadDefinitions reads connections and pipelines used to seed the in-memory
// store. Every pipeline must reference connections declared in the same file.
package config
