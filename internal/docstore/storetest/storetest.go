// Package storetest holds behaviour tests every docstore backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/webmail/internal/docstore"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) docstore.Store

// Run executes the conformance suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s docstore.Store)
	}{
		{"CreateGet", testCreateGet},
		{"GetMissing", testGetMissing},
		{"Set", testSet},
		{"QueryPredicates", testQueryPredicates},
		{"QueryOrder", testQueryOrder},
		{"UpdateSetOps", testUpdateSetOps},
		{"UpdateMissing", testUpdateMissing},
		{"ConcurrentSetOps", testConcurrentSetOps},
		{"SubscribeSnapshots", testSubscribeSnapshots},
		{"Unsubscribe", testUnsubscribe},
		{"InvalidField", testInvalidField},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testCreateGet(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	sent := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	id, err := s.Create(ctx, docstore.Messages, docstore.Fields{
		"title":      "Hello",
		"receiverId": []string{"u2", "u3"},
		"sentDate":   sent,
		"flag":       true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id == "" {
		t.Fatal("Create() returned empty id")
	}

	doc, err := s.Get(ctx, docstore.Messages, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.ID != id {
		t.Errorf("ID = %q, want %q", doc.ID, id)
	}
	if got := doc.String("title"); got != "Hello" {
		t.Errorf("title = %q, want Hello", got)
	}
	if got := doc.Strings("receiverId"); len(got) != 2 || got[0] != "u2" || got[1] != "u3" {
		t.Errorf("receiverId = %v, want [u2 u3]", got)
	}
	if got := doc.Time("sentDate"); !got.Equal(sent) {
		t.Errorf("sentDate = %v, want %v", got, sent)
	}
	if !doc.Bool("flag") {
		t.Error("flag = false, want true")
	}
}

func testGetMissing(t *testing.T, s docstore.Store) {
	_, err := s.Get(context.Background(), docstore.Messages, "nope")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func testSet(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if err := s.Set(ctx, docstore.Users, "u1", docstore.Fields{"name": "Ann", "email": "ann@example.com"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, docstore.Users, "u1", docstore.Fields{"name": "Annie", "email": "ann@example.com"}); err != nil {
		t.Fatalf("Set() replace error = %v", err)
	}
	doc, err := s.Get(ctx, docstore.Users, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.String("name") != "Annie" {
		t.Errorf("name = %q, want Annie", doc.String("name"))
	}
	docs, err := s.Query(ctx, docstore.Users, nil, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("Query() returned %d docs, want 1", len(docs))
	}
}

func seedMessages(t *testing.T, s docstore.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := []struct {
		id     string
		fields docstore.Fields
	}{
		{"m1", docstore.Fields{"senderId": "a", "receiverId": []string{"b"}, "replyFromMessageId": []string{}, "sentDate": base.Add(2 * time.Hour)}},
		{"m2", docstore.Fields{"senderId": "b", "receiverId": []string{"a", "c"}, "replyFromMessageId": []string{"m1"}, "sentDate": base.Add(3 * time.Hour)}},
		{"m3", docstore.Fields{"senderId": "a", "receiverId": []string{"c"}, "replyFromMessageId": "", "sentDate": base.Add(1 * time.Hour)}},
		{"m4", docstore.Fields{"senderId": "c", "receiverId": []string{"b"}, "sentDate": base.Add(4 * time.Hour)}},
	}
	for _, d := range docs {
		if err := s.Set(ctx, docstore.Messages, d.id, d.fields); err != nil {
			t.Fatalf("Set(%s) error = %v", d.id, err)
		}
	}
}

func ids(docs []*docstore.Document) string {
	out := ""
	for i, d := range docs {
		if i > 0 {
			out += ","
		}
		out += d.ID
	}
	return out
}

func testQueryPredicates(t *testing.T, s docstore.Store) {
	seedMessages(t, s)
	ctx := context.Background()

	tests := []struct {
		name  string
		where []docstore.Predicate
		want  string
	}{
		{"all", nil, "m1,m2,m3,m4"},
		{"eq", []docstore.Predicate{docstore.Eq("senderId", "a")}, "m1,m3"},
		{"array contains", []docstore.Predicate{docstore.ArrayContains("receiverId", "b")}, "m1,m4"},
		{"array contains none", []docstore.Predicate{docstore.ArrayContains("receiverId", "z")}, ""},
		{"is empty covers list, string and absent", []docstore.Predicate{docstore.IsEmpty("replyFromMessageId")}, "m1,m3,m4"},
		{"and", []docstore.Predicate{
			docstore.ArrayContains("receiverId", "b"),
			docstore.IsEmpty("replyFromMessageId"),
			docstore.Eq("senderId", "c"),
		}, "m4"},
		{"thread children", []docstore.Predicate{docstore.ArrayContains("replyFromMessageId", "m1")}, "m2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.Query(ctx, docstore.Messages, tt.where, nil)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if got := ids(docs); got != tt.want {
				t.Errorf("Query() = %s, want %s", got, tt.want)
			}
		})
	}
}

func testQueryOrder(t *testing.T, s docstore.Store) {
	seedMessages(t, s)
	ctx := context.Background()

	docs, err := s.Query(ctx, docstore.Messages, nil, docstore.Asc("sentDate"))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := ids(docs); got != "m3,m1,m2,m4" {
		t.Errorf("ascending = %s, want m3,m1,m2,m4", got)
	}

	docs, err = s.Query(ctx, docstore.Messages, nil, docstore.Desc("sentDate"))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := ids(docs); got != "m4,m2,m1,m3" {
		t.Errorf("descending = %s, want m4,m2,m1,m3", got)
	}
}

func testUpdateSetOps(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	id, err := s.Create(ctx, docstore.Messages, docstore.Fields{
		"title":     "x",
		"starredId": []string{},
		"activeId":  []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	steps := []docstore.Fields{
		{"starredId": docstore.ArrayUnion("a")},
		{"starredId": docstore.ArrayUnion("a", "b")},
		{"activeId": docstore.ArrayRemove("a")},
		{"activeId": docstore.ArrayRemove("zz")},
		{"readId": docstore.ArrayUnion("b")},
		{"title": "y"},
	}
	for i, step := range steps {
		if err := s.Update(ctx, docstore.Messages, id, step); err != nil {
			t.Fatalf("Update() step %d error = %v", i, err)
		}
	}

	doc, err := s.Get(ctx, docstore.Messages, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := fmt.Sprint(doc.Strings("starredId")); got != "[a b]" {
		t.Errorf("starredId = %s, want [a b]", got)
	}
	if got := fmt.Sprint(doc.Strings("activeId")); got != "[b]" {
		t.Errorf("activeId = %s, want [b]", got)
	}
	if got := fmt.Sprint(doc.Strings("readId")); got != "[b]" {
		t.Errorf("readId = %s, want [b]", got)
	}
	if doc.String("title") != "y" {
		t.Errorf("title = %q, want y", doc.String("title"))
	}
}

func testUpdateMissing(t *testing.T, s docstore.Store) {
	err := s.Update(context.Background(), docstore.Messages, "missing", docstore.Fields{"readId": docstore.ArrayUnion("a")})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func testConcurrentSetOps(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	id, err := s.Create(ctx, docstore.Messages, docstore.Fields{"starredId": []string{}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Update(ctx, docstore.Messages, id, docstore.Fields{
				"starredId": docstore.ArrayUnion(fmt.Sprintf("u%d", i)),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	doc, err := s.Get(ctx, docstore.Messages, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := len(doc.Strings("starredId")); got != writers {
		t.Errorf("starredId has %d members, want %d (lost update)", got, writers)
	}
}

func testSubscribeSnapshots(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	snaps := make(chan docstore.Snapshot, 16)

	unsub, err := s.Subscribe(ctx, docstore.Messages,
		[]docstore.Predicate{docstore.ArrayContains("receiverId", "b")}, docstore.Desc("sentDate"),
		func(snap docstore.Snapshot) { snaps <- snap },
		func(err error) { t.Errorf("onError(%v)", err) },
	)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsub()

	select {
	case snap := <-snaps:
		if len(snap.Docs) != 0 {
			t.Errorf("initial snapshot has %d docs, want 0", len(snap.Docs))
		}
	default:
		t.Fatal("Subscribe() did not deliver the initial snapshot before returning")
	}

	id, err := s.Create(ctx, docstore.Messages, docstore.Fields{"receiverId": []string{"b"}, "sentDate": time.Now()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, snaps, func(snap docstore.Snapshot) bool { return ids(snap.Docs) == id })

	// Writes to unrelated documents still refresh, and the result stays authoritative.
	if _, err := s.Create(ctx, docstore.Messages, docstore.Fields{"receiverId": []string{"z"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Update(ctx, docstore.Messages, id, docstore.Fields{"receiverId": docstore.ArrayRemove("b")}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	waitFor(t, snaps, func(snap docstore.Snapshot) bool { return len(snap.Docs) == 0 })
}

func waitFor(t *testing.T, snaps chan docstore.Snapshot, ok func(docstore.Snapshot) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if ok(snap) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func testUnsubscribe(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	var mu sync.Mutex
	count := 0

	unsub, err := s.Subscribe(ctx, docstore.Messages, nil, nil,
		func(docstore.Snapshot) {
			mu.Lock()
			count++
			mu.Unlock()
		}, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	unsub()
	unsub() // idempotent

	if _, err := s.Create(ctx, docstore.Messages, docstore.Fields{"title": "after"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("snapshots = %d, want only the initial one", count)
	}
	if n := s.Hub().ClientCount(); n != 0 {
		t.Errorf("hub ClientCount() = %d after unsubscribe, want 0", n)
	}
}

func testInvalidField(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if _, err := s.Create(ctx, docstore.Messages, docstore.Fields{"bad field": 1}); !errors.Is(err, docstore.ErrInvalidField) {
		t.Errorf("Create() error = %v, want ErrInvalidField", err)
	}
	if _, err := s.Query(ctx, docstore.Messages, []docstore.Predicate{docstore.Eq("x') OR 1=1 --", "a")}, nil); !errors.Is(err, docstore.ErrInvalidField) {
		t.Errorf("Query() error = %v, want ErrInvalidField", err)
	}
}

func testClosed(t *testing.T, s docstore.Store) {
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, err := s.Get(context.Background(), docstore.Messages, "x")
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Errorf("Get() after Close error = %v, want ErrUnavailable", err)
	}
}
