// Package storage persists the relay's durable state: the active user set,
// the seen-notification table that drives idempotent dispatch, and the
// uploaded-file ledger that suppresses duplicate vault uploads.
package storage
