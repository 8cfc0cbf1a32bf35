// Provides station identity and transaction storage over database/sql
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "sw/ocpp/gateway/internal/logging"
	svc "sw/ocpp/gateway/internal/models/service"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DbTypeSqlite   = "sqlite3"
	DbTypePostgres = "postgres"
)

var (
	ErrStationNotFound     = errors.New("station not found")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrRowExists           = errors.New("row already exists")
)

type Store struct {
	db     *sql.DB
	dbType string
}

func ConnectDb(dbType string, connStr string) (*Store, error) {
	if dbType != DbTypeSqlite && dbType != DbTypePostgres {
		return nil, fmt.Errorf("unsupported db type %q", dbType)
	}
	db, err := sql.Open(dbType, connStr)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	db.SetConnMaxLifetime(time.Minute * 2)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)

	log.Logger.Info("Connected to: " + dbType)
	return &Store{db: db, dbType: dbType}, nil
}

func (s *Store) Disconnect() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dbType != DbTypePostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) CreateTables(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dbType == DbTypePostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	statements := []string{`
	CREATE TABLE IF NOT EXISTS stations (
		tenant TEXT NOT NULL,
		station_id TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		site_id TEXT NOT NULL DEFAULT '',
		site_area_id TEXT NOT NULL DEFAULT '',
		company_id TEXT NOT NULL DEFAULT '',
		last_seen BIGINT NULL,
		PRIMARY KEY (tenant, station_id)
	);`, `
	CREATE TABLE IF NOT EXISTS transactions (
		` + idColumn + `,
		guid TEXT NOT NULL,
		tenant TEXT NOT NULL,
		station_id TEXT NOT NULL,
		connector_id INTEGER NOT NULL,
		id_tag TEXT NOT NULL,
		meter_start INTEGER NOT NULL,
		time_started BIGINT NOT NULL,
		time_ended BIGINT NULL,
		meter_stop INTEGER NULL
	);`,
		`CREATE INDEX IF NOT EXISTS transactions_tenant_station_IDX ON transactions (tenant, station_id);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertStation(ctx context.Context, st *svc.Station) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO stations (tenant, station_id, token, site_id, site_area_id, company_id)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (tenant, station_id) DO UPDATE SET
			token = excluded.token, site_id = excluded.site_id,
			site_area_id = excluded.site_area_id, company_id = excluded.company_id`),
		st.Tenant, st.StationID, st.Token, st.SiteID, st.SiteAreaID, st.CompanyID)
	return err
}

func (s *Store) GetStation(ctx context.Context, tenant string, stationID string) (*svc.Station, error) {
	st := &svc.Station{Tenant: tenant, StationID: stationID}
	var lastSeen sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT token, site_id, site_area_id, company_id, last_seen
		FROM stations WHERE tenant = ? AND station_id = ?`), tenant, stationID).
		Scan(&st.Token, &st.SiteID, &st.SiteAreaID, &st.CompanyID, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s~%s", ErrStationNotFound, tenant, stationID)
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		st.LastSeen = time.UnixMilli(lastSeen.Int64).UTC()
	}
	return st, nil
}

// ValidateStationIdentity checks the station exists and the token matches.
// A station stored with an empty token accepts any token.
func (s *Store) ValidateStationIdentity(ctx context.Context, tenant string, token string, stationID string) (*svc.Station, error) {
	st, err := s.GetStation(ctx, tenant, stationID)
	if err != nil {
		return nil, err
	}
	if st.Token != "" && st.Token != token {
		return nil, fmt.Errorf("%w for %s~%s", ErrInvalidToken, tenant, stationID)
	}
	return st, nil
}

func (s *Store) RecordLastSeen(ctx context.Context, tenant string, stationID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE stations SET last_seen = ? WHERE tenant = ? AND station_id = ?`),
		ts.UnixMilli(), tenant, stationID)
	return err
}

func (s *Store) InsertNextTransaction(ctx context.Context, tx *svc.Transaction) (int64, error) {
	if tx.Guid == "" {
		tx.Guid = uuid.New().String()
	}
	query := `INSERT INTO transactions (guid, tenant, station_id, connector_id, id_tag, meter_start, time_started)
		VALUES (?,?,?,?,?,?,?)`
	args := []any{tx.Guid, tx.Tenant, tx.StationID, tx.ConnectorId, tx.IdTag, tx.MeterStart, tx.TimeStarted.UnixMilli()}

	var id int64
	if s.dbType == DbTypePostgres {
		err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, err
		}
	} else {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && errors.Is(sqliteErr.ExtendedCode, sqlite3.ErrConstraintUnique) {
				return 0, ErrRowExists
			}
			return 0, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	}
	tx.Id = id
	return id, nil
}

func (s *Store) StopTransaction(ctx context.Context, tenant string, stationID string, transactionId int64, meterStop int, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE transactions SET time_ended = ?, meter_stop = ?
		WHERE id = ? AND tenant = ? AND station_id = ? AND time_ended IS NULL`),
		ts.UnixMilli(), meterStop, transactionId, tenant, stationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, transactionId)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*svc.Transaction, error) {
	tx := &svc.Transaction{Id: id}
	var started int64
	var ended sql.NullInt64
	var meterStop sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT guid, tenant, station_id, connector_id, id_tag, meter_start, time_started, time_ended, meter_stop
		FROM transactions WHERE id = ?`), id).
		Scan(&tx.Guid, &tx.Tenant, &tx.StationID, &tx.ConnectorId, &tx.IdTag, &tx.MeterStart, &started, &ended, &meterStop)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	tx.TimeStarted = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		tx.TimeEnded = &t
	}
	if meterStop.Valid {
		m := int(meterStop.Int64)
		tx.MeterStop = &m
	}
	return tx, nil
}
