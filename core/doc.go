// Package core defines the domain model for the Brigade dispatch coordination core.
//
// The core package provides:
//   - Domain types (Intervention, Resource, Team, LedgerEntry)
//   - Status enums and the intervention transition graph
//   - The domain error taxonomy shared by all services
//   - A keyed lock manager with bounded-wait acquisition
//
// Service interfaces are defined where they are consumed, not here. Services
// accept interfaces and return concrete types, take context.Context on
// blocking operations, and return wrapped sentinel errors from this package.
package core
