package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/listhit/listsync/internal/wire"
)

const (
	postgresPendingTableName    = "listsync_pending_deliveries"
	postgresMembershipTableName = "listsync_list_members"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresCore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	schema   func(ctx context.Context, db *sql.DB) error
}

func (c *postgresCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := c.schema(ctx, db); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

type PostgresPendingStore struct {
	core      *postgresCore
	tableName string
}

// NewPostgresPendingStore returns a PendingStore backed by a postgres
// table, created lazily on first use.
func NewPostgresPendingStore(dsn string) (PendingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tableName := postgresPendingTableName
	core := &postgresCore{
		dsn:    dsn,
		openDB: sql.Open,
		schema: func(ctx context.Context, db *sql.DB) error {
			createTable := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					recipient TEXT NOT NULL,
					sender TEXT NOT NULL,
					list_id TEXT NOT NULL,
					op TEXT NOT NULL,
					envelope TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(tableName))
			if _, err := db.ExecContext(ctx, createTable); err != nil {
				return err
			}
			indexName := tableName + "_recipient_id_idx"
			createIndex := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (recipient, id)",
				postgresQuoteIdentifier(indexName),
				postgresQuoteIdentifier(tableName),
			)
			_, err := db.ExecContext(ctx, createIndex)
			return err
		},
	}
	return &PostgresPendingStore{core: core, tableName: tableName}, nil
}

func (s *PostgresPendingStore) Persist(recipients []string, sender string, envelope wire.Envelope) error {
	if s == nil || s.core == nil {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	insert := fmt.Sprintf(
		"INSERT INTO %s (recipient, sender, list_id, op, envelope) VALUES ($1, $2, $3, $4, $5)",
		postgresQuoteIdentifier(s.tableName),
	)
	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insert, recipient, sender, envelope.UniqueIDParent, envelope.Type, string(payload)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresPendingStore) Drain(identity string) ([]PendingRecord, error) {
	if s == nil || s.core == nil {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, sender, envelope
		FROM %s
		WHERE recipient = $1
		ORDER BY id ASC
		FOR UPDATE`, postgresQuoteIdentifier(s.tableName))
	rows, err := tx.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, err
	}
	records, ids, err := scanPendingRows(rows, identity)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, pq.Array(ids)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return records, nil
}

func (s *PostgresPendingStore) Peek(identity string) ([]PendingRecord, error) {
	if s == nil || s.core == nil {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, sender, envelope FROM %s WHERE recipient = $1 ORDER BY id ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.core.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, err
	}
	records, _, err := scanPendingRows(rows, identity)
	return records, err
}

func (s *PostgresPendingStore) Clear(identity string) error {
	if s == nil || s.core == nil {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE recipient = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.core.db.ExecContext(ctx, query, identity)
	return err
}

func (s *PostgresPendingStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}

func scanPendingRows(rows *sql.Rows, identity string) ([]PendingRecord, []int64, error) {
	defer rows.Close()
	var records []PendingRecord
	var ids []int64
	for rows.Next() {
		var id int64
		var sender, payload string
		if err := rows.Scan(&id, &sender, &payload); err != nil {
			return nil, nil, err
		}
		var envelope wire.Envelope
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			// Undecodable rows are dropped with the drain rather
			// than replayed forever.
			ids = append(ids, id)
			continue
		}
		records = append(records, PendingRecord{
			Recipient: identity,
			Sender:    sender,
			Envelope:  envelope,
		})
		ids = append(ids, id)
	}
	return records, ids, rows.Err()
}

type PostgresMembershipStore struct {
	core      *postgresCore
	tableName string
}

// NewPostgresMembershipStore returns a MembershipStore backed by a
// postgres table keyed (list_id, member_id).
func NewPostgresMembershipStore(dsn string) (MembershipStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tableName := postgresMembershipTableName
	core := &postgresCore{
		dsn:    dsn,
		openDB: sql.Open,
		schema: func(ctx context.Context, db *sql.DB) error {
			createTable := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					list_id TEXT NOT NULL,
					member_id TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (list_id, member_id)
				)`, postgresQuoteIdentifier(tableName))
			_, err := db.ExecContext(ctx, createTable)
			return err
		},
	}
	return &PostgresMembershipStore{core: core, tableName: tableName}, nil
}

func (s *PostgresMembershipStore) AddMembers(listID string, identities []string) error {
	if s == nil || s.core == nil || listID == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	insert := fmt.Sprintf(
		"INSERT INTO %s (list_id, member_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		postgresQuoteIdentifier(s.tableName),
	)
	for _, identity := range identities {
		if identity == "" {
			continue
		}
		if _, err := s.core.db.ExecContext(ctx, insert, listID, identity); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresMembershipStore) Members(listID string) ([]string, error) {
	if s == nil || s.core == nil {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT member_id FROM %s WHERE list_id = $1 ORDER BY created_at ASC, member_id ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.core.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *PostgresMembershipStore) RemoveList(listID string) error {
	if s == nil || s.core == nil {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE list_id = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.core.db.ExecContext(ctx, query, listID)
	return err
}

func (s *PostgresMembershipStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
