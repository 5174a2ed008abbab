package config

// DefaultYAML is the commented config written by init-config. Every value
// matches Default().
const DefaultYAML = `# tenantwatch configuration
# Environment variables override this file: TENANTWATCH_AUDIT_RETENTION=720h

log_level: info            # debug, info, warn, error

server:
  http_addr: ":8080"
  grpc_addr: ":50051"      # empty disables the gRPC service
  shutdown_timeout: 15s
  upstream_url: ""         # service that executes admitted AI operations
  upstream_timeout: 30s
  max_body_bytes: 1048576

tenants:
  file: ""                 # YAML tenant profiles; empty serves the default profile
  allow_unregistered: true # tenants without a profile pass isolation checks
  watch: true              # reload the file on change

access:
  roles_file: ""           # YAML role policy; empty uses the built-in roles

sanitizer:
  patterns_file: ""        # extra_patterns and phrases
  default_level: standard  # basic, standard, strict, maximum
  org_phrases: []

filter:
  level: standard

audit:
  journal_path: ""         # hash-chained JSONL journal
  sqlite_path: ""
  redis_addr: ""
  redis_stream: "tenantwatch:audit"
  retention: 8760h
  cleanup_interval: 1h
  health_interval: 1m
  sink_timeout: 2s
  alerts: []
  # alerts:
  #   - url: https://hooks.slack.com/services/...
  #     format: slack
  #     events: [injection_attempt, isolation_violation, critical]

rate_limit:
  requests_per_second: 50  # per tenant; 0 disables
  burst: 100
  max_tenants: 0
  distributed: false       # share buckets through audit.redis_addr
`
