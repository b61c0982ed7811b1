// Package config handles configuration loading for the nexus server.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${NEXUS_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	presence:
//	  heartbeat_interval: "30s"
//	  ttl_multiplier: 10
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:3000"    # WebSocket, webhooks and REST API
//
//	redis:
//	  addr: "localhost:6379"       # Presence registry and webhook queue
//
//	database:
//	  path: "/var/lib/nexus/tasks.db"
//
//	auth:
//	  jwt_secret: "${NEXUS_JWT_SECRET}"
//
//	queue:
//	  concurrency: 10
//	  max_retry: 3
//
//	providers:
//	  chat:
//	    signing_secret: "${CHAT_SIGNING_SECRET}"
//	    bot_token: "${CHAT_BOT_TOKEN}"
//	  tracker:
//	    webhook_secret: "${TRACKER_WEBHOOK_SECRET}"
//	    api_token: "${TRACKER_API_TOKEN}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Provider secrets are optional: a missing signing secret degrades that
// webhook endpoint to unverified intake (logged loudly), and a missing
// API token disables outbound calls to that provider.
package config
