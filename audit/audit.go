// Package audit keeps a persistent trail of every ledger interaction the
// service performs: who invoked what, against which chaincode, and how it
// ended. Regulated deployments point it at PostgreSQL; without a DSN it is
// a no-op.
package audit

import "time"

// Entry is one recorded ledger interaction.
type Entry struct {
	Timestamp     time.Time
	Identity      string
	Channel       string
	Chaincode     string
	Function      string
	Operation     string
	TransactionID string
	Outcome       string
	ErrorKind     string
	Duration      time.Duration
}

// Recorder persists audit entries. Recording is best effort: failures are
// logged, never surfaced to the caller.
type Recorder interface {
	Record(e Entry)
	Close() error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

func (Nop) Close() error { return nil }

// New returns a postgres recorder when a DSN is configured, otherwise Nop.
func New(dsn string) (Recorder, error) {
	if dsn == "" {
		return Nop{}, nil
	}
	return NewPostgres(dsn)
}
