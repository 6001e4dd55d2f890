package mailbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/fenilsonani/webmail/internal/message"
)

var base = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

func msg(id, sender, title, content string, minutes int, active ...string) *message.Message {
	return &message.Message{
		ID:        id,
		SenderID:  sender,
		Title:     title,
		Content:   content,
		SentDate:  base.Add(time.Duration(minutes) * time.Minute),
		ActiveFor: message.NewIDSet(active...),
	}
}

func rowIDs(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}

func TestBuildRows(t *testing.T) {
	starred := msg("m1", "a", "Hi", "Hello", 0, "a", "b")
	starred.StarredBy = message.NewIDSet("b")
	starred.ReadBy = message.NewIDSet("a")
	deleted := msg("m2", "a", "Gone", "", 1, "a")
	orphan := msg("m3", "x", "Who", "", 2, "b")

	rows := BuildRows([]*message.Message{starred, deleted, orphan}, map[string]string{"a": "Ann"}, "b")
	if got := rowIDs(rows); len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Fatalf("BuildRows() ids = %v, want [m1 m3]", got)
	}
	if rows[0].SenderName != "Ann" || !rows[0].Starred || rows[0].Read {
		t.Errorf("row m1 = %+v, want Ann, starred, unread", rows[0])
	}
	if rows[1].SenderName != message.UnknownSender {
		t.Errorf("row m3 SenderName = %q, want %q", rows[1].SenderName, message.UnknownSender)
	}
}

func TestFilter(t *testing.T) {
	rows := []Row{
		{ID: "1", SenderName: "Ann", Title: "Important Update", Content: "read me"},
		{ID: "2", SenderName: "Bob", Title: "Follow Up", Content: "call me"},
		{ID: "3", SenderName: "Important Person", Title: "Lunch", Content: ""},
	}
	tests := []struct {
		term string
		want []string
	}{
		{"", []string{"1", "2", "3"}},
		{"Important", []string{"1", "3"}},
		{"iMpOrTaNt update", []string{"1"}},
		{"CALL", []string{"2"}},
		{" up", []string{"1", "2"}},
		{"  follow  ", []string{}},
		{"nothing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			got := rowIDs(Filter(rows, tt.term))
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Filter(%q) = %v, want %v", tt.term, got, tt.want)
			}
		})
	}
}

func TestSortNewestFirstIsStable(t *testing.T) {
	rows := []Row{
		{ID: "old", SentDate: base},
		{ID: "tie1", SentDate: base.Add(time.Hour)},
		{ID: "new", SentDate: base.Add(2 * time.Hour)},
		{ID: "tie2", SentDate: base.Add(time.Hour)},
	}
	SortNewestFirst(rows)
	want := []string{"new", "tie1", "tie2", "old"}
	if got := rowIDs(rows); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("SortNewestFirst() = %v, want %v", got, want)
	}
}

func TestPaginate(t *testing.T) {
	rows := make([]Row, 12)
	for i := range rows {
		rows[i] = Row{ID: fmt.Sprintf("r%02d", i)}
	}

	tests := []struct {
		name      string
		rows      []Row
		size      int
		index     int
		wantIndex int
		wantCount int
		wantRows  int
	}{
		{"first page", rows, 5, 0, 0, 3, 5},
		{"last page", rows, 5, 2, 2, 3, 2},
		{"past the end clamps", rows, 5, 3, 2, 3, 2},
		{"negative clamps", rows, 5, -1, 0, 3, 5},
		{"larger page size", rows, 20, 2, 0, 1, 12},
		{"exact fit", rows[:10], 5, 1, 1, 2, 5},
		{"empty", nil, 5, 4, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Paginate(tt.rows, tt.size, tt.index)
			if p.Index != tt.wantIndex || p.Count != tt.wantCount || len(p.Rows) != tt.wantRows {
				t.Errorf("Paginate(%d rows, %d, %d) = index %d count %d rows %d, want %d %d %d",
					len(tt.rows), tt.size, tt.index, p.Index, p.Count, len(p.Rows), tt.wantIndex, tt.wantCount, tt.wantRows)
			}
			if p.Rows == nil {
				t.Error("Paginate() returned nil rows")
			}
		})
	}

	last := Paginate(rows, 5, 2)
	if last.Rows[0].ID != "r10" || last.Rows[1].ID != "r11" {
		t.Errorf("last page = %v, want [r10 r11]", rowIDs(last.Rows))
	}
}

func TestDerive(t *testing.T) {
	msgs := []*message.Message{
		msg("a", "u1", "Important Update", "", 1, "me"),
		msg("b", "u1", "Follow Up", "", 2, "me"),
		msg("c", "u1", "Important too", "", 3, "other"),
		msg("d", "u1", "important again", "", 4, "me"),
	}
	p := Derive(msgs, nil, "me", "important", 5, 0)
	if got := rowIDs(p.Rows); fmt.Sprint(got) != "[d a]" {
		t.Errorf("Derive() rows = %v, want [d a]", got)
	}
	if p.Total != 2 || p.Search != "important" {
		t.Errorf("Derive() total = %d search = %q", p.Total, p.Search)
	}
}

func TestSelectionOf(t *testing.T) {
	rows := []Row{{ID: "1"}, {ID: "2"}}
	tests := []struct {
		selected message.IDSet
		want     Selection
	}{
		{nil, SelectionNone},
		{message.NewIDSet("1"), SelectionPartial},
		{message.NewIDSet("1", "2"), SelectionAll},
		{message.NewIDSet("1", "2", "9"), SelectionAll},
		{message.NewIDSet("9"), SelectionPartial},
	}
	for _, tt := range tests {
		if got := selectionOf(rows, tt.selected); got != tt.want {
			t.Errorf("selectionOf(%v) = %s, want %s", tt.selected, got, tt.want)
		}
	}
}
