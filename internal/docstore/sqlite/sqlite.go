// Package sqlite implements the document store on SQLite, keeping each
// document as a JSON object and compiling predicates to JSON1 expressions.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/logging"
)

var _ docstore.Store = (*Store)(nil)

// Store is a SQLite-backed document store.
type Store struct {
	db     *DB
	hub    *docstore.ChangeHub
	logger *logging.Logger
	newID  func() string
	closed atomic.Bool
}

// Open opens the database at path, applies migrations and returns a store.
func Open(ctx context.Context, path string, logger *logging.Logger) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already migrated database.
func New(db *DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		db:     db,
		hub:    docstore.NewChangeHub(logger),
		logger: logger,
		newID:  uuid.NewString,
	}
}

// DB returns the underlying database, for components sharing the file.
func (s *Store) DB() *DB {
	return s.db
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
}

// Create inserts a new document under a generated id.
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	data, err := encodeFields(fields)
	if err != nil {
		return "", err
	}

	id := s.newID()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)",
		collection, id, data,
	)
	if err != nil {
		return "", unavailable(err)
	}

	s.hub.Notify(docstore.Change{Collection: collection, ID: id})
	return id, nil
}

// Set creates or replaces a document.
func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("document id is required")
	}
	data, err := encodeFields(fields)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		collection, id, data,
	)
	if err != nil {
		return unavailable(err)
	}

	s.hub.Notify(docstore.Change{Collection: collection, ID: id})
	return nil
}

// Get returns a document by id.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	fields, err := decodeFields(data)
	if err != nil {
		return nil, unavailable(err)
	}
	return &docstore.Document{ID: id, Fields: fields}, nil
}

// Query returns all documents matching the predicates.
func (s *Store) Query(ctx context.Context, collection string, where []docstore.Predicate, order *docstore.OrderBy) ([]*docstore.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	query, args, err := buildQuery(collection, where, order)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var docs []*docstore.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, unavailable(err)
		}
		fields, err := decodeFields(data)
		if err != nil {
			return nil, unavailable(err)
		}
		docs = append(docs, &docstore.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return docs, nil
}

// Update merges fields into a document inside an IMMEDIATE transaction, so
// concurrent set operations from any process are serialized.
func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.ErrNotFound
	}
	if err != nil {
		return unavailable(err)
	}

	current, err := decodeFields(data)
	if err != nil {
		return unavailable(err)
	}
	updated, err := docstore.ApplyUpdate(current, fields)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(updated)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE documents SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?",
		encoded, collection, id,
	); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}

	s.hub.Notify(docstore.Change{Collection: collection, ID: id})
	return nil
}

// Subscribe starts a live query.
func (s *Store) Subscribe(ctx context.Context, collection string, where []docstore.Predicate, order *docstore.OrderBy,
	onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Unsubscribe, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return docstore.Watch(ctx, s.hub, s.Query, collection, where, order, onSnapshot, onError)
}

// Hub returns the store's change hub.
func (s *Store) Hub() *docstore.ChangeHub {
	return s.hub
}

// Close stops live subscriptions and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.Close()
	return s.db.Close()
}

// buildQuery compiles predicates into a SELECT over the documents table.
// Field names are validated identifiers, so they are inlined into JSON paths
// where the expression indexes can match them.
func buildQuery(collection string, where []docstore.Predicate, order *docstore.OrderBy) (string, []any, error) {
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString("SELECT id, data FROM documents WHERE collection = ?")

	for _, p := range where {
		if err := docstore.ValidField(p.Field); err != nil {
			return "", nil, err
		}
		path := jsonPath(p.Field)
		switch p.Op {
		case docstore.OpEqual:
			value, err := docstore.Normalize(docstore.Fields{p.Field: p.Value})
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, " AND json_extract(data, %s) = ?", path)
			args = append(args, value[p.Field])
		case docstore.OpArrayContains:
			fmt.Fprintf(&sb, " AND json_type(data, %s) = 'array'"+
				" AND EXISTS (SELECT 1 FROM json_each(data, %s) WHERE json_each.value = ?)", path, path)
			args = append(args, p.Value)
		case docstore.OpIsEmpty:
			fmt.Fprintf(&sb, " AND (CASE COALESCE(json_type(data, %s), 'null')"+
				" WHEN 'null' THEN 1"+
				" WHEN 'array' THEN json_array_length(data, %s) = 0"+
				" WHEN 'text' THEN json_extract(data, %s) = ''"+
				" ELSE 0 END)", path, path, path)
		default:
			return "", nil, fmt.Errorf("unsupported operator %s", p.Op)
		}
	}

	if order != nil {
		if err := docstore.ValidField(order.Field); err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if order.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY json_extract(data, %s) %s, seq ASC", jsonPath(order.Field), dir)
	} else {
		sb.WriteString(" ORDER BY seq ASC")
	}

	return sb.String(), args, nil
}

func jsonPath(field string) string {
	return "'$." + field + "'"
}

func encodeFields(fields docstore.Fields) (string, error) {
	normalized, err := docstore.Normalize(fields)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(data), nil
}

func decodeFields(data string) (docstore.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	fields := make(docstore.Fields, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case json.Number:
			if n, err := x.Int64(); err == nil {
				fields[k] = n
			} else if f, err := x.Float64(); err == nil {
				fields[k] = f
			}
		case []any:
			list := make([]string, 0, len(x))
			for _, item := range x {
				if s, ok := item.(string); ok {
					list = append(list, s)
				}
			}
			fields[k] = list
		default:
			fields[k] = v
		}
	}
	return fields, nil
}
