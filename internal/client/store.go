// Package client implements the device-local side of list
// synchronization: the sqlite store, the collaboration gate that
// decides whether a local edit leaves the device, the idempotent
// applier for inbound mutations, and the handoff flow a device runs to
// join a shared list.
package client

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/listhit/listsync/internal/wire"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotShared    = errors.New("list not shared")
)

// List is one local list row. ID is the device-local key; UniqueID is
// the global id used on the wire and never changes after creation.
type List struct {
	ID          int64
	UniqueID    string
	Title       string
	Description string
	Color       string
	Tag         string
	CreatedAt   int64
}

// Item is one local list item row.
type Item struct {
	ID           int64
	UniqueID     string
	ListUniqueID string
	Title        string
	Done         bool
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS lists (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	unique_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS list_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	unique_id TEXT NOT NULL UNIQUE,
	list_unique_id TEXT NOT NULL,
	title TEXT NOT NULL,
	is_done INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_list_items_list ON list_items(list_unique_id);
CREATE TABLE IF NOT EXISTS collaborating_lists (
	list_unique_id TEXT PRIMARY KEY
);
`

// Store is the device's local database. SQLite allows one writer at a
// time, so the pool is pinned to a single connection.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateList inserts a fresh list with a new global id.
func (s *Store) CreateList(title, description, color, tag string) (List, error) {
	list := List{
		UniqueID:    uuid.NewString(),
		Title:       title,
		Description: description,
		Color:       color,
		Tag:         tag,
		CreatedAt:   time.Now().Unix(),
	}
	result, err := s.db.Exec(
		`INSERT INTO lists (unique_id, title, description, color, tag, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		list.UniqueID, list.Title, list.Description, list.Color, list.Tag, list.CreatedAt,
	)
	if err != nil {
		return List{}, fmt.Errorf("create list: %w", err)
	}
	list.ID, _ = result.LastInsertId()
	return list, nil
}

// GetList resolves a list by its global id.
func (s *Store) GetList(uniqueID string) (List, error) {
	var list List
	err := s.db.QueryRow(
		`SELECT id, unique_id, title, description, color, tag, created_at FROM lists WHERE unique_id = ?`,
		uniqueID,
	).Scan(&list.ID, &list.UniqueID, &list.Title, &list.Description, &list.Color, &list.Tag, &list.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return List{}, ErrNotFound
	}
	if err != nil {
		return List{}, fmt.Errorf("get list: %w", err)
	}
	return list, nil
}

func (s *Store) Lists() ([]List, error) {
	rows, err := s.db.Query(`SELECT id, unique_id, title, description, color, tag, created_at FROM lists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("lists: %w", err)
	}
	defer rows.Close()
	var lists []List
	for rows.Next() {
		var list List
		if err := rows.Scan(&list.ID, &list.UniqueID, &list.Title, &list.Description, &list.Color, &list.Tag, &list.CreatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// UpdateList applies new details to the list with the global id.
// Returns false when no row matched.
func (s *Store) UpdateList(uniqueID string, payload wire.ListPayload) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE lists SET title = ?, description = ?, color = ?, tag = ? WHERE unique_id = ?`,
		payload.Title, payload.Description, payload.Color, payload.Tag, uniqueID,
	)
	if err != nil {
		return false, fmt.Errorf("update list: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// DeleteList removes the list, all its items, and its collaboration
// marker in one transaction.
func (s *Store) DeleteList(uniqueID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM list_items WHERE list_unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete list items: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM collaborating_lists WHERE list_unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete collaboration marker: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM lists WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete list row: %w", err)
	}
	return tx.Commit()
}

// CreateItem inserts a fresh item with a new global id under the list.
func (s *Store) CreateItem(listUniqueID, title string) (Item, error) {
	if _, err := s.GetList(listUniqueID); err != nil {
		return Item{}, err
	}
	item := Item{
		UniqueID:     uuid.NewString(),
		ListUniqueID: listUniqueID,
		Title:        title,
	}
	result, err := s.db.Exec(
		`INSERT INTO list_items (unique_id, list_unique_id, title, is_done) VALUES (?, ?, ?, 0)`,
		item.UniqueID, item.ListUniqueID, item.Title,
	)
	if err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	item.ID, _ = result.LastInsertId()
	return item, nil
}

// InsertItemIfAbsent inserts an item row keyed by its global id.
// Returns false when a row with that id already exists; re-inserting is
// a no-op, never an error.
func (s *Store) InsertItemIfAbsent(item Item) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO list_items (unique_id, list_unique_id, title, is_done) VALUES (?, ?, ?, ?)`,
		item.UniqueID, item.ListUniqueID, item.Title, boolToInt(item.Done),
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *Store) GetItem(uniqueID string) (Item, error) {
	var item Item
	var done int
	err := s.db.QueryRow(
		`SELECT id, unique_id, list_unique_id, title, is_done FROM list_items WHERE unique_id = ?`,
		uniqueID,
	).Scan(&item.ID, &item.UniqueID, &item.ListUniqueID, &item.Title, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	item.Done = done != 0
	return item, nil
}

func (s *Store) Items(listUniqueID string) ([]Item, error) {
	rows, err := s.db.Query(
		`SELECT id, unique_id, list_unique_id, title, is_done FROM list_items WHERE list_unique_id = ? ORDER BY id`,
		listUniqueID,
	)
	if err != nil {
		return nil, fmt.Errorf("items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		var done int
		if err := rows.Scan(&item.ID, &item.UniqueID, &item.ListUniqueID, &item.Title, &done); err != nil {
			return nil, err
		}
		item.Done = done != 0
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) UpdateItem(uniqueID string, payload wire.ItemPayload) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE list_items SET title = ?, is_done = ? WHERE unique_id = ?`,
		payload.Title, boolToInt(payload.Done), uniqueID,
	)
	if err != nil {
		return false, fmt.Errorf("update item: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *Store) DeleteItem(uniqueID string) error {
	if _, err := s.db.Exec(`DELETE FROM list_items WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// SetCollaborating marks a list as shared; from then on local edits to
// it are forwarded to the relay.
func (s *Store) SetCollaborating(listUniqueID string) error {
	if listUniqueID == "" {
		return ErrInvalidInput
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO collaborating_lists (list_unique_id) VALUES (?)`,
		listUniqueID,
	); err != nil {
		return fmt.Errorf("set collaborating: %w", err)
	}
	return nil
}

func (s *Store) IsCollaborating(listUniqueID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM collaborating_lists WHERE list_unique_id = ?`,
		listUniqueID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is collaborating: %w", err)
	}
	return true, nil
}

// Snapshot builds the handoff payload for one list.
func (s *Store) Snapshot(listUniqueID string) (wire.Snapshot, error) {
	list, err := s.GetList(listUniqueID)
	if err != nil {
		return wire.Snapshot{}, err
	}
	items, err := s.Items(listUniqueID)
	if err != nil {
		return wire.Snapshot{}, err
	}
	snapshot := wire.Snapshot{
		ListDetails: wire.ListDetails{
			UniqueID:    list.UniqueID,
			Title:       list.Title,
			Description: list.Description,
			Color:       list.Color,
			Tag:         list.Tag,
			CreatedAt:   list.CreatedAt,
		},
		ListItems: make([]wire.ListItem, 0, len(items)),
	}
	for _, item := range items {
		snapshot.ListItems = append(snapshot.ListItems, wire.ListItem{
			UniqueID: item.UniqueID,
			Title:    item.Title,
			Done:     item.Done,
		})
	}
	return snapshot, nil
}

// SharedSnapshot returns the handoff snapshot for a list this device
// has agreed to collaborate on. Lists without the marker are never
// served, whoever is asking.
func (s *Store) SharedSnapshot(listUniqueID string) (wire.Snapshot, error) {
	shared, err := s.IsCollaborating(listUniqueID)
	if err != nil {
		return wire.Snapshot{}, err
	}
	if !shared {
		return wire.Snapshot{}, fmt.Errorf("%w: %s", ErrNotShared, listUniqueID)
	}
	return s.Snapshot(listUniqueID)
}

// ImportSnapshot inserts a joined list and its items as fresh local
// rows, global ids preserved, and marks the list collaborating. The
// whole import is one transaction: a failure leaves no partial rows.
func (s *Store) ImportSnapshot(snapshot wire.Snapshot) error {
	if snapshot.ListDetails.UniqueID == "" {
		return fmt.Errorf("%w: snapshot without list id", ErrInvalidInput)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	defer tx.Rollback()
	details := snapshot.ListDetails
	createdAt := details.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	if _, err := tx.Exec(
		`INSERT INTO lists (unique_id, title, description, color, tag, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		details.UniqueID, details.Title, details.Description, details.Color, details.Tag, createdAt,
	); err != nil {
		return fmt.Errorf("import list: %w", err)
	}
	for _, item := range snapshot.ListItems {
		if _, err := tx.Exec(
			`INSERT INTO list_items (unique_id, list_unique_id, title, is_done) VALUES (?, ?, ?, ?)`,
			item.UniqueID, details.UniqueID, item.Title, boolToInt(item.Done),
		); err != nil {
			return fmt.Errorf("import item %s: %w", item.UniqueID, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO collaborating_lists (list_unique_id) VALUES (?)`,
		details.UniqueID,
	); err != nil {
		return fmt.Errorf("import collaboration marker: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
