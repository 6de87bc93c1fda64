// Package model provides the shared data types of the offline sync core.
//
// This package contains type definitions only. All other internal packages
// import model; model imports nothing internal, so it stays the foundational
// layer with no circular dependencies.
//
// Key design constraints:
//   - Queue ordering uses the store-assigned Seq, never wall-clock Timestamp
//   - Payloads are opaque JSON (json.RawMessage); the core never interprets
//     domain fields beyond the record ID
//   - JSON tags use snake_case for multi-word names
package model
