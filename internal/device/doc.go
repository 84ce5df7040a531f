// Package device provides the Device Registry for Voltlink Core.
//
// The Device Registry is the persistent catalogue of every physical energy
// device a Voltlink site has ever identified: inverters, battery packs and
// meters. Each record is keyed by a derived device ID and reconciled by
// serial number, so a device that moves between channels keeps its identity
// and its history.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                                 │
//	│                                                                          │
//	│  ┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐   │
//	│  │     Registry     │    │    Repository    │    │    Validation    │   │
//	│  │   (registry.go)  │───▶│  (repository.go) │    │ (validation.go)  │   │
//	│  │                  │    │                  │    │                  │   │
//	│  │ • Lifecycle ops  │    │ • SQLite queries │    │ • Record checks  │   │
//	│  │ • In-memory cache│    │ • JSON marshal   │    │ • Serial normal. │   │
//	│  │ • Conflict retry │    │ • Version column │    │ • ID derivation  │   │
//	│  └──────────────────┘    └──────────────────┘    └──────────────────┘   │
//	│           │                       │                                      │
//	└───────────│───────────────────────│──────────────────────────────────────┘
//	            │                       │
//	            ▼                       ▼
//	┌──────────────────────┐   ┌──────────────────────┐
//	│   Discovery Engine   │   │   SQLite Database    │
//	│  • Register sightings│   │   (devices table)    │
//	│  • Record misses     │   └──────────────────────┘
//	│  • Retry scheduling  │
//	└──────────────────────┘
//
// # Key Types
//
//   - Record: A catalogued physical device with channel history and lifecycle state
//   - Status: Lifecycle state (active, missing, discovering, disabled)
//   - Family: Device family (meter, battery, inverter_g3, inverter_x1)
//   - ChannelObservation: One append-only channel history entry
//
// # Concurrency
//
// The Repository guards every write with an optimistic version column;
// a stale write returns ErrConflict and nothing is persisted. The
// Registry's Mutate wraps reads and writes in a bounded re-read loop so
// callers express transitions as idempotent closures and never see a
// conflict unless contention is pathological.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// A probe identified serial "M-0042" as a meter on /dev/ttyUSB0
//	// using the connection parameters in cfg.
//	rec, created, err := registry.Register(ctx, device.FamilyMeter, "M-0042", "/dev/ttyUSB0", cfg)
package device
