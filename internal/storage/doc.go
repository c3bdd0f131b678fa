// Package storage persists the quota ledger snapshot.
//
// It currently supports:
//   - "file": one JSON document, written atomically (temp file + rename)
//   - "sqlite": a small SQLite database (pure Go driver)
//
// Both drivers degrade to "no snapshot" on missing or corrupt data and only
// return errors for genuine I/O failures.
package storage
