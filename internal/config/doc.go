// Package config handles configuration loading for ksync-server and ksync-client.
//
// # Configuration Files
//
// The server reads YAML, the client reads TOML. Default locations:
//
//  1. Path from KSYNC_CONFIG (server) or KSYNC_CLIENT_CONFIG (client)
//  2. $XDG_CONFIG_HOME/ksync/server.yaml or client.toml
//  3. ~/.config/ksync/server.yaml or client.toml
//
// A missing file is not an error; built-in defaults apply. Keys absent from a
// file keep their defaults too.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	database:
//	  path: "${KSYNC_DATA}/ledger.db"
//
// Unset variables expand to the empty string.
//
// # Server Sections
//
//	endpoints:
//	  runtime_dir: "/run/user/1000/ksync"   # default $XDG_RUNTIME_DIR/ksync
//	  gateway: ""                           # default ipc://<dir>/ksync-connect.ipc
//	  relay: ""                             # default inproc://gateway_thread
//	  broadcast: ""                         # default ipc://<dir>/ksync-broadcast.ipc
//	  client: ""                            # default ipc://<dir>/ksync-{id}.ipc
//
//	timeouts:
//	  control: "1s"
//	  poll: "10ms"
//	  gateway_poll: "1s"
//	  relay: "5s"
//	  shutdown: "5s"
//	  handshake_attempts: 5
//
//	commands:
//	  shell: "/bin/sh"
//	  timeout: "1m"
//
//	replay:
//	  ttl: "5m"      # "0s" disables
//	  size: 1024
//
//	registry:
//	  evict_on_error: false
//
//	status:
//	  http_addr: "127.0.0.1:7480"
//	  grpc_addr: "127.0.0.1:7481"
//
//	database:
//	  path: ""       # empty disables the ledger
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  output: "stdout" # stdout, file, both
//	  dir: ""
//	  max_size: 100
//	  max_backups: 3
//	  max_age: 28
//	  compress: false
//
// Durations use time.ParseDuration syntax.
//
// # Client Sections
//
//	[gateway]
//	url = ""          # default ipc://<runtime_dir>/ksync-connect.ipc
//	runtime_dir = ""
//	timeout = "20s"
//
//	[requests]
//	timeout = "5s"
//	retries = 2
//	max_attempts = 8
//
//	[logging]
//	level = "info"
package config
