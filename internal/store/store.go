package store

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrServerInUse is returned when deleting a server that is not disabled
	// or still has open meetings.
	ErrServerInUse = errors.New("server in use")
	// ErrPoolInUse is returned when deleting a pool a room type still points at.
	ErrPoolInUse = errors.New("server pool in use")
	// ErrRoomBusy is returned when a room already has a meeting without end.
	ErrRoomBusy = errors.New("room already has an open meeting")
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables and indexes. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
