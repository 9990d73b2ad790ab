// Package domain defines the core types of the broadcast engine: broadcasts,
// variants, contacts, sends and their lifecycle events.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - Entities reference each other by id, never by embedded pointer
//   - JSON/DB tags and pure validation methods are allowed
package domain
