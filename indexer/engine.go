// Package indexer maintains the token secondary index tables: owner→account
// and mint→account. It consumes account updates one at a time, classifies
// them against the supported token programs, and writes derived index rows
// to PostgreSQL through either a buffered bulk upsert or an immediate
// single-row upsert. The conflict rule on both paths keeps the persisted
// slot monotonic under out-of-order delivery.
package indexer

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CriesofCarrots/solana-geyser-plugin-postgres/spltoken"
)

// DefaultBatchSize is used when the configuration does not set one.
const DefaultBatchSize = 10

// Config carries the engine's knobs. Host and User are connection context
// for diagnostics only; the engine never dials anything itself.
type Config struct {
	BatchSize       int
	IndexTokenOwner bool
	IndexTokenMint  bool
	Host            string
	User            string
}

// secondaryIndexRow is one derived index row awaiting a bulk flush.
type secondaryIndexRow struct {
	indexedKey []byte
	accountKey []byte
	slot       int64
}

// Engine is the batched upsert engine. One engine owns one connection's
// prepared statements and its pending buffers; calls are synchronous and
// the engine processes one update at a time. The mutex serializes
// statement execution so at most one statement is in flight per engine.
type Engine struct {
	mu    sync.Mutex
	stmts *indexStatements

	batchSize  int
	indexOwner bool
	indexMint  bool

	pendingOwner []secondaryIndexRow
	pendingMint  []secondaryIndexRow
}

// NewEngine prepares the four upsert statements against db and returns a
// ready engine. A preparation failure is a *SchemaError: the schema or
// configuration is wrong and no traffic should be accepted.
func NewEngine(db *sql.DB, cfg Config) (*Engine, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	stmts, err := prepareStatements(db, cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		stmts:        stmts,
		batchSize:    cfg.BatchSize,
		indexOwner:   cfg.IndexTokenOwner,
		indexMint:    cfg.IndexTokenMint,
		pendingOwner: make([]secondaryIndexRow, 0, cfg.BatchSize),
		pendingMint:  make([]secondaryIndexRow, 0, cfg.BatchSize),
	}, nil
}

// QueueSecondaryIndexes derives index rows from acct and appends them to
// the pending buffers. When a buffer reaches the batch size it is flushed
// through the bulk upsert in the same call. Accounts that are not token
// accounts are skipped silently.
func (e *Engine) QueueSecondaryIndexes(acct *AccountUpdate) error {
	if e.indexOwner {
		if row, ok := deriveRow(acct, spltoken.Program.UnpackOwner); ok {
			e.pendingOwner = append(e.pendingOwner, row)
		}
		if len(e.pendingOwner) == e.batchSize {
			if err := e.flush(ownerIndexTable, "owner", e.stmts.bulkOwner, &e.pendingOwner); err != nil {
				return err
			}
		}
	}
	if e.indexMint {
		if row, ok := deriveRow(acct, spltoken.Program.UnpackMint); ok {
			e.pendingMint = append(e.pendingMint, row)
		}
		if len(e.pendingMint) == e.batchSize {
			if err := e.flush(mintIndexTable, "mint", e.stmts.bulkMint, &e.pendingMint); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateTokenOwnerIndex upserts the owner index row for acct immediately,
// bypassing the buffers. A non-token account is a no-op.
func (e *Engine) UpdateTokenOwnerIndex(acct *AccountUpdate) error {
	if row, ok := deriveRow(acct, spltoken.Program.UnpackOwner); ok {
		return e.execSingle(ownerIndexTable, "owner", e.stmts.singleOwner, row)
	}
	return nil
}

// UpdateTokenMintIndex upserts the mint index row for acct immediately,
// bypassing the buffers. A non-token account is a no-op.
func (e *Engine) UpdateTokenMintIndex(acct *AccountUpdate) error {
	if row, ok := deriveRow(acct, spltoken.Program.UnpackMint); ok {
		return e.execSingle(mintIndexTable, "mint", e.stmts.singleMint, row)
	}
	return nil
}

// DrainBufferedIndexes writes every still-buffered row through the
// single-row upsert path and empties both buffers. Partial buffers are
// never auto-flushed, so the coordinator must call this (or
// ClearBufferedIndexes) at the end of a stream. Both buffers are emptied
// even on failure; the first error is returned.
func (e *Engine) DrainBufferedIndexes() error {
	ownerErr := e.drain(ownerIndexTable, "owner", e.stmts.singleOwner, &e.pendingOwner)
	mintErr := e.drain(mintIndexTable, "mint", e.stmts.singleMint, &e.pendingMint)
	if ownerErr != nil {
		return ownerErr
	}
	return mintErr
}

// ClearBufferedIndexes empties both buffers without issuing any query.
// Used when every account in the current cycle was already persisted
// through the immediate path, making the buffered duplicates redundant.
func (e *Engine) ClearBufferedIndexes() {
	e.pendingOwner = e.pendingOwner[:0]
	e.pendingMint = e.pendingMint[:0]
}

// Pending reports the number of buffered rows per index.
func (e *Engine) Pending() (owner, mint int) {
	return len(e.pendingOwner), len(e.pendingMint)
}

// deriveRow classifies acct against the supported token programs and
// extracts one indexed key with the given unpack capability. The keys are
// copied out of the payload; the update is not retained.
func deriveRow(acct *AccountUpdate, unpack func(spltoken.Program, []byte) ([]byte, bool)) (secondaryIndexRow, bool) {
	for _, p := range spltoken.Programs {
		if !spltoken.Owns(p, acct.Owner) {
			continue
		}
		key, ok := unpack(p, acct.Data)
		if !ok {
			continue
		}
		return secondaryIndexRow{
			indexedKey: append([]byte(nil), key...),
			accountKey: append([]byte(nil), acct.Pubkey...),
			slot:       int64(acct.Slot),
		}, true
	}
	return secondaryIndexRow{}, false
}

// flush submits the buffered rows in one bulk statement. It fires only on
// an exact batch-size match. The buffer is emptied whether or not the
// execution succeeds: failed rows are discarded, not retried.
func (e *Engine) flush(table, index string, stmt execer, pending *[]secondaryIndexRow) error {
	if len(*pending) != e.batchSize {
		return nil
	}

	start := time.Now()
	values := make([]any, 0, e.batchSize*indexColumnCount)
	for _, row := range *pending {
		values = append(values, row.indexedKey, row.accountKey, row.slot)
	}
	prepareValuesDuration.Observe(time.Since(start).Seconds())

	batchID := uuid.New()
	execStart := time.Now()
	e.mu.Lock()
	_, err := stmt.Exec(values...)
	e.mu.Unlock()

	rows := len(*pending)
	*pending = (*pending)[:0]

	if err != nil {
		upsertErrorsTotal.WithLabelValues(index).Inc()
		log.Error().Err(err).
			Str("table", table).
			Str("batch_id", batchID.String()).
			Int("rows", rows).
			Msg("Failed to flush index batch")
		return &UpdateError{Table: table, Err: err}
	}

	executeDuration.WithLabelValues("bulk").Observe(time.Since(execStart).Seconds())
	rowsUpsertedTotal.WithLabelValues(index, "bulk").Add(float64(rows))
	log.Debug().
		Str("table", table).
		Str("batch_id", batchID.String()).
		Int("rows", rows).
		Dur("duration", time.Since(execStart)).
		Msg("Flushed index batch")
	return nil
}

func (e *Engine) execSingle(table, index string, stmt execer, row secondaryIndexRow) error {
	start := time.Now()
	e.mu.Lock()
	_, err := stmt.Exec(row.indexedKey, row.accountKey, row.slot)
	e.mu.Unlock()

	if err != nil {
		upsertErrorsTotal.WithLabelValues(index).Inc()
		log.Error().Err(err).
			Str("table", table).
			Msg("Failed to update index")
		return &UpdateError{Table: table, Err: err}
	}

	executeDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
	rowsUpsertedTotal.WithLabelValues(index, "single").Inc()
	return nil
}

func (e *Engine) drain(table, index string, stmt execer, pending *[]secondaryIndexRow) error {
	rows := *pending
	*pending = (*pending)[:0]
	for _, row := range rows {
		if err := e.execSingle(table, index, stmt, row); err != nil {
			return err
		}
	}
	return nil
}
