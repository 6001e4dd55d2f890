package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/docstore/storetest"
	"github.com/fenilsonani/webmail/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) docstore.Store {
		return openTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	v1, err := s.DB().SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v1 != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v1)
	}

	if err := s.DB().Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	v2, _ := s.DB().SchemaVersion(ctx)
	if v2 != v1 {
		t.Errorf("SchemaVersion() after re-migrate = %d, want %d", v2, v1)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	id, err := s.Create(ctx, docstore.Messages, docstore.Fields{"title": "durable", "starredId": []string{"u1"}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s.Close()

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	doc, err := s.Get(ctx, docstore.Messages, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.String("title") != "durable" || len(doc.Strings("starredId")) != 1 {
		t.Errorf("document = %v, want persisted fields", doc.Fields)
	}
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name     string
		where    []docstore.Predicate
		order    *docstore.OrderBy
		contains []string
		args     int
	}{
		{
			name:     "no predicates",
			contains: []string{"WHERE collection = ?", "ORDER BY seq ASC"},
			args:     1,
		},
		{
			name:     "equality",
			where:    []docstore.Predicate{docstore.Eq("senderId", "u1")},
			contains: []string{"json_extract(data, '$.senderId') = ?"},
			args:     2,
		},
		{
			name:     "array contains",
			where:    []docstore.Predicate{docstore.ArrayContains("receiverId", "u1")},
			contains: []string{"json_each(data, '$.receiverId')"},
			args:     2,
		},
		{
			name:     "is empty adds no args",
			where:    []docstore.Predicate{docstore.IsEmpty("replyFromMessageId")},
			contains: []string{"json_array_length(data, '$.replyFromMessageId') = 0"},
			args:     1,
		},
		{
			name:     "descending order keeps insertion tiebreak",
			order:    docstore.Desc("sentDate"),
			contains: []string{"ORDER BY json_extract(data, '$.sentDate') DESC, seq ASC"},
			args:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := buildQuery(docstore.Messages, tt.where, tt.order)
			if err != nil {
				t.Fatalf("buildQuery() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(query, want) {
					t.Errorf("query %q does not contain %q", query, want)
				}
			}
			if len(args) != tt.args {
				t.Errorf("len(args) = %d, want %d", len(args), tt.args)
			}
		})
	}
}

func TestDecodeFields(t *testing.T) {
	fields, err := decodeFields(`{"n": 3, "f": 1.5, "list": ["a", "b"], "s": "x", "b": true}`)
	if err != nil {
		t.Fatalf("decodeFields() error = %v", err)
	}
	if fields["n"] != int64(3) {
		t.Errorf("n = %#v, want int64(3)", fields["n"])
	}
	if fields["f"] != 1.5 {
		t.Errorf("f = %#v, want 1.5", fields["f"])
	}
	if list, ok := fields["list"].([]string); !ok || len(list) != 2 {
		t.Errorf("list = %#v, want []string{a b}", fields["list"])
	}
	if fields["b"] != true {
		t.Errorf("b = %#v, want true", fields["b"])
	}
}
