package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	_ "github.com/lib/pq" // postgres driver
)

var logger = flogging.MustGetLogger("healthlink.audit")

const (
	pingAttempts = 5
	pingInterval = 2 * time.Second
)

const schema = `CREATE TABLE IF NOT EXISTS ledger_audit (
	id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	identity TEXT NOT NULL,
	channel TEXT NOT NULL,
	chaincode TEXT NOT NULL,
	function TEXT NOT NULL,
	operation TEXT NOT NULL,
	transaction_id TEXT,
	outcome TEXT NOT NULL,
	error_kind TEXT,
	duration_ms BIGINT NOT NULL
)`

// Postgres writes entries to a ledger_audit table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to the database, waiting for it to come up, and
// ensures the audit table exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = db.Ping()
		if err == nil {
			break
		}
		if attempt >= pingAttempts {
			db.Close()
			return nil, fmt.Errorf("audit database unreachable: %w", err)
		}
		logger.Warnf("waiting for audit database (%d/%d): %v", attempt, pingAttempts, err)
		time.Sleep(pingInterval)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	logger.Info("audit trail connected to postgres")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Record(e Entry) {
	_, err := p.db.Exec(`INSERT INTO ledger_audit
		(occurred_at, identity, channel, chaincode, function, operation, transaction_id, outcome, error_kind, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Timestamp, e.Identity, e.Channel, e.Chaincode, e.Function, e.Operation,
		e.TransactionID, e.Outcome, e.ErrorKind, e.Duration.Milliseconds())
	if err != nil {
		logger.Errorf("failed to record audit entry for %s:%s: %v", e.Chaincode, e.Function, err)
	}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
