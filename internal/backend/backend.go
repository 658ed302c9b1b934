package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Counter procedure names exposed by the hosted backend.
const (
	ProcIncrementCounter = "increment_counter_fn"
	ProcDecrementCounter = "decrement_counter_fn"
)

// DefaultSchema is the schema every realtime subscription targets unless told otherwise.
const DefaultSchema = "public"

// ErrNotFound is returned when a filtered row operation matches nothing it needs to.
var ErrNotFound = errors.New("backend: row not found")

// Row is a single table row keyed by column name.
type Row map[string]interface{}

// String returns the column value rendered as a string, or "" when absent.
func (r Row) String(column string) string {
	if r == nil {
		return ""
	}
	switch v := r[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column value as an int64 when it is numeric.
func (r Row) Int(column string) (int64, bool) {
	if r == nil {
		return 0, false
	}
	switch v := r[column].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Filter holds equality conditions joined with AND.
type Filter map[string]interface{}

// Query narrows a Select call.
type Query struct {
	Filter Filter
	Order  string
	Desc   bool
	Limit  int
}

// Rows is the row-level surface of the hosted backend.
type Rows interface {
	Select(ctx context.Context, table string, query Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, patch Row, filter Filter) error
	Delete(ctx context.Context, table string, filter Filter) error
}

// CounterArgs is the payload of the counter procedures.
type CounterArgs struct {
	RowID      string `json:"row_id"`
	ColumnName string `json:"column_name"`
	TableName  string `json:"table_name"`
}

// Procedures invokes RPC-style functions on the backend.
type Procedures interface {
	Call(ctx context.Context, function string, args CounterArgs) error
}

// User is the authenticated principal of a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is an authenticated backend session.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// Auth is the authentication surface of the backend.
type Auth interface {
	SignUp(ctx context.Context, email, password string) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, accessToken string) error
	Verify(ctx context.Context, accessToken string) (Session, error)
}

// Storage is the object storage surface of the backend.
type Storage interface {
	Upload(ctx context.Context, bucket, path string, body io.Reader) (string, error)
	PublicURL(bucket, path string) (string, error)
}
