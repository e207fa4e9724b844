package indexer

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Each index table has exactly three columns: the indexed key, the account
// key, and the slot.
const indexColumnCount = 3

// Index table names and indexed-key column names. The account_key column
// and the unique constraint on (indexed key, account_key) are shared shape.
const (
	ownerIndexTable  = "spl_token_owner_index"
	ownerIndexColumn = "owner_key"
	mintIndexTable   = "spl_token_mint_index"
	mintIndexColumn  = "mint_key"
)

// singleUpsertSQL returns the one-row upsert for the given index table.
// The trailing WHERE clause is what keeps recency monotonic: a conflicting
// row with an older slot is a no-op regardless of arrival order.
func singleUpsertSQL(table, keyColumn string) string {
	return fmt.Sprintf(
		"INSERT INTO %[1]s AS idx (%[2]s, account_key, slot) "+
			"VALUES ($1, $2, $3) "+
			"ON CONFLICT (%[2]s, account_key) "+
			"DO UPDATE SET slot=excluded.slot "+
			"WHERE idx.slot < excluded.slot",
		table, keyColumn)
}

// bulkUpsertSQL returns an upsert inserting exactly batchSize rows with the
// same conflict rule as the single-row form. Parameters are row-major: row
// i binds $3i+1..$3i+3. The batch size is fixed at preparation time.
func bulkUpsertSQL(table, keyColumn string, batchSize int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS idx (%s, account_key, slot) VALUES", table, keyColumn)
	for i := 0; i < batchSize; i++ {
		p := i * indexColumnCount
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " ($%d, $%d, $%d)", p+1, p+2, p+3)
	}
	fmt.Fprintf(&b,
		" ON CONFLICT (%[1]s, account_key) DO UPDATE SET slot=excluded.slot WHERE idx.slot < excluded.slot",
		keyColumn)
	return b.String()
}

// execer is the prepared-statement surface the engine needs; *sql.Stmt
// satisfies it.
type execer interface {
	Exec(args ...any) (sql.Result, error)
}

// indexStatements holds the four prepared statements driving one engine.
type indexStatements struct {
	singleOwner execer
	singleMint  execer
	bulkOwner   execer
	bulkMint    execer
}

// prepareStatements prepares all four upsert statements against db. A
// failure here means the schema or configuration is wrong; it is returned
// as a *SchemaError and must stop startup.
func prepareStatements(db *sql.DB, cfg Config) (*indexStatements, error) {
	prepare := func(table, sqlText string) (*sql.Stmt, error) {
		stmt, err := db.Prepare(sqlText)
		if err != nil {
			return nil, &SchemaError{Table: table, Host: cfg.Host, User: cfg.User, Err: err}
		}
		return stmt, nil
	}

	bulkOwnerSQL := bulkUpsertSQL(ownerIndexTable, ownerIndexColumn, cfg.BatchSize)
	bulkMintSQL := bulkUpsertSQL(mintIndexTable, mintIndexColumn, cfg.BatchSize)
	log.Debug().Str("statement", bulkOwnerSQL).Msg("Prepared bulk owner index upsert")
	log.Debug().Str("statement", bulkMintSQL).Msg("Prepared bulk mint index upsert")

	var stmts indexStatements
	var err error
	if stmts.singleOwner, err = prepare(ownerIndexTable, singleUpsertSQL(ownerIndexTable, ownerIndexColumn)); err != nil {
		return nil, err
	}
	if stmts.singleMint, err = prepare(mintIndexTable, singleUpsertSQL(mintIndexTable, mintIndexColumn)); err != nil {
		return nil, err
	}
	if stmts.bulkOwner, err = prepare(ownerIndexTable, bulkOwnerSQL); err != nil {
		return nil, err
	}
	if stmts.bulkMint, err = prepare(mintIndexTable, bulkMintSQL); err != nil {
		return nil, err
	}
	return &stmts, nil
}
