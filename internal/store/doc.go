// Package store defines the persistence contracts for account status,
// compensation history and the crawl outcome ledger. Implementations live in
// internal/storage; this package must not import database drivers or concrete
// clients.
package store
