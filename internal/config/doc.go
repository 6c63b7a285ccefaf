// Package config provides configuration management for agentcore.
//
// # Overview
//
// The config package uses Viper to load configuration from a YAML file and
// environment variables. The file is created with defaults on first use.
//
// # Configuration File
//
// The configuration is stored at ~/.agentcore/config.yaml. Its sections mirror
// the structs in this package: pipeline, session, classifier, router, llm,
// plugins, store, server and logging.
//
// # Environment Variables
//
// Every value can be overridden with the AGENTCORE_ prefix. Nested keys are
// separated by underscores.
//
// Examples:
//   - AGENTCORE_ROUTER_PRIVACY=strict
//   - AGENTCORE_SESSION_QUEUE_DEPTH=0
//   - AGENTCORE_LOGGING_LEVEL=debug
//
// Provider API keys left empty in the file are read from <NAME>_API_KEY,
// for example OPENAI_API_KEY.
//
// # Validation
//
// Validate rejects configurations the pipeline cannot honor, most importantly a
// router.remote_timeout that is not strictly shorter than pipeline.budget.
package config
