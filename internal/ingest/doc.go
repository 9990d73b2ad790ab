// Package ingest consumes delivery and engagement log events and applies
// them to send records and contact engagement fields.
//
// Events arrive as JSON on an SQS queue. The transfer agent's accounting
// feed and the tracking redirector both publish there. Each event is handled
// on its own; Open and Click touch exactly one contact row inside one
// transaction.
package ingest
