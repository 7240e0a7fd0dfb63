// Package postgresql implements the db store interfaces on PostgreSQL using
// the pgx stdlib driver. A step result and its tenant-module transitions
// commit together or not at all; RecordStepResult and TransitionStatus carry
// that in a single transaction.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/modforge/modforge-internal/internal/modsrv/db"
)

const pgUniqueViolation = "23505"

type pgStore struct {
	db *sql.DB
}

var _ db.Store = (*pgStore)(nil)

// New opens a connection pool and verifies it with a ping, retrying the ping
// so the service survives a database that is still coming up.
func New(ctx context.Context, dsn string, connectRetries int) (db.Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to open db")
		return nil, err
	}

	if connectRetries < 1 {
		connectRetries = 1
	}
	err = retry.Do(
		func() error {
			return sqlDB.PingContext(ctx)
		},
		retry.Attempts(uint(connectRetries)),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to ping db")
		sqlDB.Close()
		return nil, err
	}

	return &pgStore{db: sqlDB}, nil
}

func (s *pgStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// toJSONB wraps a marshalable value for a jsonb column; nil values map to SQL NULL.
func toJSONB(v any) (pgtype.JSONB, error) {
	j := pgtype.JSONB{Status: pgtype.Null}
	if v == nil {
		return j, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return j, nil
		}
		j.Bytes = raw
		j.Status = pgtype.Present
		return j, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return j, err
	}
	j.Bytes = b
	j.Status = pgtype.Present
	return j, nil
}

func fromJSONB(j pgtype.JSONB) json.RawMessage {
	if j.Status != pgtype.Present {
		return nil
	}
	return json.RawMessage(j.Bytes)
}
