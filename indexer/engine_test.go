package indexer

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/CriesofCarrots/solana-geyser-plugin-postgres/spltoken"
)

// fakeStmt records every Exec call in place of a prepared statement.
type fakeStmt struct {
	calls [][]any
	err   error
}

func (f *fakeStmt) Exec(args ...any) (sql.Result, error) {
	f.calls = append(f.calls, append([]any(nil), args...))
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

type testStmts struct {
	singleOwner, singleMint, bulkOwner, bulkMint fakeStmt
}

func newTestEngine(batchSize int, owner, mint bool) (*Engine, *testStmts) {
	var s testStmts
	return &Engine{
		stmts: &indexStatements{
			singleOwner: &s.singleOwner,
			singleMint:  &s.singleMint,
			bulkOwner:   &s.bulkOwner,
			bulkMint:    &s.bulkMint,
		},
		batchSize:  batchSize,
		indexOwner: owner,
		indexMint:  mint,
	}, &s
}

func key(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, spltoken.KeyLength)
}

// tokenUpdate builds an account update that parses as a token account
// under the original token program, with distinct mint and owner keys.
func tokenUpdate(pubkey, owner, mint byte, slot uint64) *AccountUpdate {
	data := make([]byte, 165)
	copy(data[0:32], key(mint))
	copy(data[32:64], key(owner))
	return &AccountUpdate{
		Pubkey: key(pubkey),
		Owner:  spltoken.Token{}.ID(),
		Data:   data,
		Slot:   slot,
	}
}

func TestQueueFlushesAtExactBatchSize(t *testing.T) {
	e, stmts := newTestEngine(2, true, false)

	accounts := []*AccountUpdate{
		tokenUpdate(0x0A, 0x1A, 0x2A, 100),
		tokenUpdate(0x0B, 0x1B, 0x2B, 101),
		tokenUpdate(0x0C, 0x1C, 0x2C, 102),
	}
	for i, acct := range accounts {
		if err := e.QueueSecondaryIndexes(acct); err != nil {
			t.Fatalf("QueueSecondaryIndexes(%d) error = %v", i, err)
		}
	}

	if got := len(stmts.bulkOwner.calls); got != 1 {
		t.Fatalf("bulk owner executions = %d, want 1", got)
	}
	args := stmts.bulkOwner.calls[0]
	if len(args) != 6 {
		t.Fatalf("bulk owner args = %d, want 6", len(args))
	}
	// Buffer order: A's row then B's row, each (owner_key, account_key, slot).
	if !bytes.Equal(args[0].([]byte), key(0x1A)) || !bytes.Equal(args[1].([]byte), key(0x0A)) || args[2].(int64) != 100 {
		t.Errorf("row 0 = (%x, %x, %v), want A's row", args[0], args[1], args[2])
	}
	if !bytes.Equal(args[3].([]byte), key(0x1B)) || !bytes.Equal(args[4].([]byte), key(0x0B)) || args[5].(int64) != 101 {
		t.Errorf("row 1 = (%x, %x, %v), want B's row", args[3], args[4], args[5])
	}

	// Third account stays buffered until a fourth update or an explicit drain.
	if owner, _ := e.Pending(); owner != 1 {
		t.Errorf("pending owner rows = %d, want 1", owner)
	}
	if len(stmts.singleOwner.calls) != 0 || len(stmts.bulkMint.calls) != 0 {
		t.Error("unexpected executions outside the owner bulk path")
	}
}

func TestQueueBothIndexes(t *testing.T) {
	e, stmts := newTestEngine(2, true, true)

	if err := e.QueueSecondaryIndexes(tokenUpdate(0x01, 0x11, 0x21, 7)); err != nil {
		t.Fatal(err)
	}
	if err := e.QueueSecondaryIndexes(tokenUpdate(0x02, 0x12, 0x22, 8)); err != nil {
		t.Fatal(err)
	}

	if len(stmts.bulkOwner.calls) != 1 || len(stmts.bulkMint.calls) != 1 {
		t.Fatalf("bulk executions owner=%d mint=%d, want 1 and 1",
			len(stmts.bulkOwner.calls), len(stmts.bulkMint.calls))
	}
	mintArgs := stmts.bulkMint.calls[0]
	if !bytes.Equal(mintArgs[0].([]byte), key(0x21)) || !bytes.Equal(mintArgs[1].([]byte), key(0x01)) {
		t.Errorf("mint row 0 = (%x, %x), want first account's mint row", mintArgs[0], mintArgs[1])
	}
}

func TestQueueSkipsNonTokenAccounts(t *testing.T) {
	e, stmts := newTestEngine(2, true, true)

	tests := []struct {
		name string
		acct *AccountUpdate
	}{
		{
			name: "foreign program",
			acct: &AccountUpdate{Pubkey: key(1), Owner: key(0xFF), Data: make([]byte, 165), Slot: 1},
		},
		{
			name: "payload too short",
			acct: &AccountUpdate{Pubkey: key(1), Owner: spltoken.Token{}.ID(), Data: make([]byte, 64), Slot: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.QueueSecondaryIndexes(tt.acct); err != nil {
				t.Fatalf("QueueSecondaryIndexes error = %v", err)
			}
			owner, mint := e.Pending()
			if owner != 0 || mint != 0 {
				t.Errorf("pending owner=%d mint=%d, want 0 and 0", owner, mint)
			}
		})
	}
	if len(stmts.bulkOwner.calls)+len(stmts.bulkMint.calls) != 0 {
		t.Error("no statement should have executed")
	}
}

func TestQueueToken2022Account(t *testing.T) {
	e, _ := newTestEngine(4, true, true)

	// Extended Token-2022 payload: base layout plus the account-type tag.
	data := make([]byte, 170)
	copy(data[0:32], key(0x21))
	copy(data[32:64], key(0x11))
	data[165] = 2
	acct := &AccountUpdate{Pubkey: key(0x01), Owner: spltoken.Token2022{}.ID(), Data: data, Slot: 9}

	if err := e.QueueSecondaryIndexes(acct); err != nil {
		t.Fatal(err)
	}
	owner, mint := e.Pending()
	if owner != 1 || mint != 1 {
		t.Errorf("pending owner=%d mint=%d, want 1 and 1", owner, mint)
	}
}

func TestFlushFailureDiscardsBuffer(t *testing.T) {
	e, stmts := newTestEngine(2, true, false)
	stmts.bulkOwner.err = errors.New("connection reset by peer")

	if err := e.QueueSecondaryIndexes(tokenUpdate(0x01, 0x11, 0x21, 1)); err != nil {
		t.Fatal(err)
	}
	err := e.QueueSecondaryIndexes(tokenUpdate(0x02, 0x12, 0x22, 2))
	if err == nil {
		t.Fatal("expected an error from the failed flush")
	}
	var ue *UpdateError
	if !errors.As(err, &ue) {
		t.Fatalf("error type = %T, want *UpdateError", err)
	}
	if ue.Table != ownerIndexTable {
		t.Errorf("UpdateError.Table = %q, want %q", ue.Table, ownerIndexTable)
	}

	// Failed rows are discarded, not retried: the next queued row starts
	// an empty buffer.
	if owner, _ := e.Pending(); owner != 0 {
		t.Fatalf("pending owner rows after failed flush = %d, want 0", owner)
	}
	stmts.bulkOwner.err = nil
	if err := e.QueueSecondaryIndexes(tokenUpdate(0x03, 0x13, 0x23, 3)); err != nil {
		t.Fatal(err)
	}
	if owner, _ := e.Pending(); owner != 1 {
		t.Errorf("pending owner rows = %d, want 1", owner)
	}
	if got := len(stmts.bulkOwner.calls); got != 1 {
		t.Errorf("bulk owner executions = %d, want 1 (no resurrection)", got)
	}
}

func TestClearIssuesNoQuery(t *testing.T) {
	e, stmts := newTestEngine(4, true, true)

	if err := e.QueueSecondaryIndexes(tokenUpdate(0x01, 0x11, 0x21, 1)); err != nil {
		t.Fatal(err)
	}
	e.ClearBufferedIndexes()

	owner, mint := e.Pending()
	if owner != 0 || mint != 0 {
		t.Errorf("pending owner=%d mint=%d after clear, want 0 and 0", owner, mint)
	}
	total := len(stmts.singleOwner.calls) + len(stmts.singleMint.calls) +
		len(stmts.bulkOwner.calls) + len(stmts.bulkMint.calls)
	if total != 0 {
		t.Errorf("statement executions = %d, want 0", total)
	}
}

func TestImmediateUpdateParams(t *testing.T) {
	e, stmts := newTestEngine(4, true, true)

	acct := tokenUpdate(0x0A, 0x1A, 0x2A, 42)
	if err := e.UpdateTokenOwnerIndex(acct); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateTokenMintIndex(acct); err != nil {
		t.Fatal(err)
	}

	if len(stmts.singleOwner.calls) != 1 || len(stmts.singleMint.calls) != 1 {
		t.Fatalf("single executions owner=%d mint=%d, want 1 and 1",
			len(stmts.singleOwner.calls), len(stmts.singleMint.calls))
	}
	args := stmts.singleOwner.calls[0]
	if !bytes.Equal(args[0].([]byte), key(0x1A)) || !bytes.Equal(args[1].([]byte), key(0x0A)) || args[2].(int64) != 42 {
		t.Errorf("owner upsert args = (%x, %x, %v)", args[0], args[1], args[2])
	}
	args = stmts.singleMint.calls[0]
	if !bytes.Equal(args[0].([]byte), key(0x2A)) || !bytes.Equal(args[1].([]byte), key(0x0A)) || args[2].(int64) != 42 {
		t.Errorf("mint upsert args = (%x, %x, %v)", args[0], args[1], args[2])
	}

	// The immediate path never touches the buffers.
	if owner, mint := e.Pending(); owner != 0 || mint != 0 {
		t.Errorf("pending owner=%d mint=%d, want 0 and 0", owner, mint)
	}
}

func TestImmediateUpdateNonTokenAccount(t *testing.T) {
	e, stmts := newTestEngine(4, true, true)

	acct := &AccountUpdate{Pubkey: key(1), Owner: key(0x55), Data: make([]byte, 165), Slot: 1}
	if err := e.UpdateTokenOwnerIndex(acct); err != nil {
		t.Fatalf("UpdateTokenOwnerIndex error = %v, want nil for non-token account", err)
	}
	if len(stmts.singleOwner.calls) != 0 {
		t.Error("no statement should have executed for a non-token account")
	}
}

func TestImmediateUpdateFailure(t *testing.T) {
	e, stmts := newTestEngine(4, true, true)
	stmts.singleMint.err = errors.New("relation does not exist")

	err := e.UpdateTokenMintIndex(tokenUpdate(0x01, 0x11, 0x21, 1))
	var ue *UpdateError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v (%T), want *UpdateError", err, err)
	}
	if ue.Table != mintIndexTable {
		t.Errorf("UpdateError.Table = %q, want %q", ue.Table, mintIndexTable)
	}
}

func TestDrainBufferedIndexes(t *testing.T) {
	e, stmts := newTestEngine(4, true, true)

	for i := byte(0); i < 2; i++ {
		if err := e.QueueSecondaryIndexes(tokenUpdate(i, 0x10+i, 0x20+i, uint64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.DrainBufferedIndexes(); err != nil {
		t.Fatal(err)
	}

	if len(stmts.singleOwner.calls) != 2 || len(stmts.singleMint.calls) != 2 {
		t.Errorf("drain executions owner=%d mint=%d, want 2 and 2",
			len(stmts.singleOwner.calls), len(stmts.singleMint.calls))
	}
	if len(stmts.bulkOwner.calls)+len(stmts.bulkMint.calls) != 0 {
		t.Error("drain must use the single-row path")
	}
	if owner, mint := e.Pending(); owner != 0 || mint != 0 {
		t.Errorf("pending owner=%d mint=%d after drain, want 0 and 0", owner, mint)
	}
}

func TestDrainFailureEmptiesBuffers(t *testing.T) {
	e, stmts := newTestEngine(4, true, true)
	stmts.singleOwner.err = errors.New("connection reset by peer")

	if err := e.QueueSecondaryIndexes(tokenUpdate(0x01, 0x11, 0x21, 1)); err != nil {
		t.Fatal(err)
	}
	err := e.DrainBufferedIndexes()
	var ue *UpdateError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v (%T), want *UpdateError", err, err)
	}
	if owner, mint := e.Pending(); owner != 0 || mint != 0 {
		t.Errorf("pending owner=%d mint=%d after failed drain, want 0 and 0", owner, mint)
	}
}

// memoryIndexStore applies the engine's conflict rule in memory so the
// recency invariant can be checked without a database: on conflict the
// stored slot only moves forward.
type memoryIndexStore struct {
	slots map[string]int64
}

func (s *memoryIndexStore) Exec(args ...any) (sql.Result, error) {
	if s.slots == nil {
		s.slots = make(map[string]int64)
	}
	if len(args)%indexColumnCount != 0 {
		return nil, fmt.Errorf("got %d args, want a multiple of %d", len(args), indexColumnCount)
	}
	for i := 0; i < len(args); i += indexColumnCount {
		k := fmt.Sprintf("%x|%x", args[i].([]byte), args[i+1].([]byte))
		slot := args[i+2].(int64)
		if cur, ok := s.slots[k]; !ok || cur < slot {
			s.slots[k] = slot
		}
	}
	return nil, nil
}

// TestSlotNeverRegresses feeds the same (owner, account) pair in several
// delivery orders and checks the persisted slot always ends at the maximum.
func TestSlotNeverRegresses(t *testing.T) {
	orders := [][]uint64{
		{5, 3},
		{3, 5},
		{9, 1, 5, 3},
		{1, 3, 5, 9},
		{5, 5, 2},
	}
	for _, slots := range orders {
		t.Run(fmt.Sprintf("%v", slots), func(t *testing.T) {
			store := &memoryIndexStore{}
			e, _ := newTestEngine(2, true, false)
			e.stmts.singleOwner = store
			e.stmts.bulkOwner = store

			var max uint64
			for _, slot := range slots {
				if err := e.UpdateTokenOwnerIndex(tokenUpdate(0x0A, 0x1A, 0x2A, slot)); err != nil {
					t.Fatal(err)
				}
				if slot > max {
					max = slot
				}
			}

			k := fmt.Sprintf("%x|%x", key(0x1A), key(0x0A))
			if got := store.slots[k]; got != int64(max) {
				t.Errorf("persisted slot = %d, want %d", got, max)
			}
		})
	}
}

// TestSlotNeverRegressesAcrossPaths mixes the buffered and immediate paths.
func TestSlotNeverRegressesAcrossPaths(t *testing.T) {
	store := &memoryIndexStore{}
	e, _ := newTestEngine(2, true, false)
	e.stmts.singleOwner = store
	e.stmts.bulkOwner = store

	// Two buffered updates for the same pair trigger one bulk flush, then
	// an older slot arrives through the immediate path.
	if err := e.QueueSecondaryIndexes(tokenUpdate(0x0A, 0x1A, 0x2A, 8)); err != nil {
		t.Fatal(err)
	}
	if err := e.QueueSecondaryIndexes(tokenUpdate(0x0A, 0x1A, 0x2A, 6)); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateTokenOwnerIndex(tokenUpdate(0x0A, 0x1A, 0x2A, 4)); err != nil {
		t.Fatal(err)
	}

	k := fmt.Sprintf("%x|%x", key(0x1A), key(0x0A))
	if got := store.slots[k]; got != 8 {
		t.Errorf("persisted slot = %d, want 8", got)
	}
}
