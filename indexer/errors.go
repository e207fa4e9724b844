package indexer

import "fmt"

// SchemaError reports a failed statement preparation: bad SQL, or a table
// or column missing from the connected database. It is a configuration
// problem and fatal; callers must not retry it.
type SchemaError struct {
	Table string
	Host  string
	User  string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("preparing %s upsert statement failed (host=%q user=%q): %v",
		e.Table, e.Host, e.User, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// UpdateError reports a failed statement execution at runtime. The engine
// does not retry; any buffered rows involved were discarded as one unit.
type UpdateError struct {
	Table string
	Err   error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("failed to persist %s update: %v", e.Table, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
