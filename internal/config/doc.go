// Package config handles configuration loading for support-gateway.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path given with -config
//  2. Path from SUPPORT_CONFIG environment variable
//  3. ./config.yaml (current directory)
//
// Without a file the gateway runs on Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SUPPORT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	liveness:
//	  heartbeat_interval: "30s"
//	  reap_interval: "1m"
//	  idle_timeout: "5m"
//	  typing_ttl: "5s"
//
// # Configuration Sections
//
//	server:        http_addr, allowed_origins, shutdown_timeout
//	database:      path (SQLite file)
//	redis:         url, stream, max_len (outbound stream; empty url logs instead)
//	auth:          jwt_secret (empty = development mode)
//	registry:      lock_timeout
//	broker:        queue_size, write_timeout
//	liveness:      heartbeat_interval, reap_interval, idle_timeout, typing_ttl
//	escalation:    max_bot_attempts (0 disables automatic escalation)
//	inbound:       webhook_secret, dedupe_ttl, dedupe_size
//	persistence:   write_timeout, max_pending, max_attempts, retry_base, retry_max
//	outbound:      workers, queue_size, max_attempts, retry_delay, timeout
//	logging:       level, format (text or json)
//	metrics:       enabled, path
package config
