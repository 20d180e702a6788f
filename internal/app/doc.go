// Package app composes the coinjoin pools into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/coinjoin/    # Value types, denominations and error categories
//	├── core/
//	│   ├── pool/           # Denomination pool ring buffer and stats projections
//	│   ├── mixing/         # Round planning: eligibility, fees and payouts
//	│   └── registry/       # Deployment config and pool registry
//	├── ledger/             # State machine over pluggable ledger backends
//	│   ├── program/        # Account-model backend (one record per pool)
//	│   ├── contract/       # Contract-storage backend (key per slot)
//	│   └── tokenbank/      # Token engine, persisted on the pool store
//	├── storage/            # Store interfaces plus memory, postgres and redis
//	├── services/
//	│   ├── coinjoin/       # Application facade and keeper
//	│   └── events/         # Event publishers (websocket hub, redis)
//	├── httpapi/            # REST handlers, auth and rate limiting
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Daemon assembly and HTTP server lifecycle
//	└── system/             # Service lifecycle manager
//
// # Dependency Direction
//
//	cmd/coinjoind
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► services/coinjoin ──► ledger ──► core/mixing, core/pool
//	      │                           │
//	      │                           └──► ledger/program, ledger/contract ──► storage
//	      │
//	      └──► system
//
// Domain types never import storage or transport packages; ledger backends
// never import the service layer.
package app
