// Package stores provides the durable record stores for fabprov.
//
// FileStore keeps one JSON document per idempotency key under the state
// directory and replaces it atomically on every write. SQLiteStore keeps the
// same records in a WAL-mode SQLite database together with run history and the
// event timeline. Both implement engine.RecordStore; SQLiteStore additionally
// implements engine.SummaryWriter and engine.EventPublisher.
package stores
