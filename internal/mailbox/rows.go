// Package mailbox derives a user's live inbox, sent and starred lists.
//
// Every store snapshot is recomputed from scratch: rows are built and
// joined with sender names, soft-deleted rows dropped, the search term
// applied, rows sorted newest first and finally sliced into a page.
package mailbox

import (
	"sort"
	"strings"
	"time"

	"github.com/fenilsonani/webmail/internal/message"
)

// Row is one line of a mailbox list.
type Row struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName"`
	Title      string        `json:"title"`
	Content    string        `json:"content"`
	SentDate   time.Time     `json:"sentDate"`
	Starred    bool          `json:"starred"`
	Read       bool          `json:"read"`
	ActiveFor  message.IDSet `json:"-"`
}

// BuildRows maps messages to rows for userID and drops the ones the user
// deleted. names maps user ids to display names; a missing sender shows
// as "Unknown".
func BuildRows(msgs []*message.Message, names map[string]string, userID string) []Row {
	rows := make([]Row, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsActiveFor(userID) {
			continue
		}
		name, ok := names[m.SenderID]
		if !ok {
			name = message.UnknownSender
		}
		rows = append(rows, Row{
			ID:         m.ID,
			SenderID:   m.SenderID,
			SenderName: name,
			Title:      m.Title,
			Content:    m.Content,
			SentDate:   m.SentDate,
			Starred:    m.StarredBy.Contains(userID),
			Read:       m.ReadBy.Contains(userID),
			ActiveFor:  m.ActiveFor,
		})
	}
	return rows
}

// Filter keeps rows whose sender name, title or content contains term,
// ignoring case. The term is matched as typed, surrounding spaces included.
// An empty term keeps everything.
func Filter(rows []Row, term string) []Row {
	term = strings.ToLower(term)
	if term == "" {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if strings.Contains(strings.ToLower(r.SenderName), term) ||
			strings.Contains(strings.ToLower(r.Title), term) ||
			strings.Contains(strings.ToLower(r.Content), term) {
			out = append(out, r)
		}
	}
	return out
}

// SortNewestFirst orders rows by sent date, newest first. Rows with equal
// dates keep their relative order.
func SortNewestFirst(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].SentDate.After(rows[j].SentDate)
	})
}

// PageCount returns the number of pages needed for total rows.
func PageCount(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// ClampPage limits index to [0, max(0, pages-1)].
func ClampPage(index, total, size int) int {
	last := PageCount(total, size) - 1
	if index > last {
		index = last
	}
	if index < 0 {
		index = 0
	}
	return index
}

// Page is one window of a mailbox list.
type Page struct {
	Folder    message.Folder `json:"folder"`
	Rows      []Row          `json:"rows"`
	Total     int            `json:"total"`
	Index     int            `json:"page"`
	Count     int            `json:"pages"`
	Size      int            `json:"size"`
	Search    string         `json:"search,omitempty"`
	Selected  []string       `json:"selected,omitempty"`
	Selection Selection      `json:"selection"`
	Err       error          `json:"-"`
}

// Paginate returns the page at index, clamped into range.
func Paginate(rows []Row, size, index int) Page {
	index = ClampPage(index, len(rows), size)
	p := Page{
		Total: len(rows),
		Index: index,
		Count: PageCount(len(rows), size),
		Size:  size,
		Rows:  []Row{},
	}
	if p.Count == 0 {
		return p
	}
	start := index * size
	end := start + size
	if end > len(rows) {
		end = len(rows)
	}
	p.Rows = rows[start:end]
	return p
}

// Derive runs the full pipeline over a folder's query result.
func Derive(msgs []*message.Message, names map[string]string, userID, search string, size, index int) Page {
	rows := Filter(BuildRows(msgs, names, userID), search)
	SortNewestFirst(rows)
	p := Paginate(rows, size, index)
	p.Search = search
	return p
}

// Selection is the state of the select-all checkbox.
type Selection string

const (
	SelectionNone    Selection = "none"
	SelectionPartial Selection = "partial"
	SelectionAll     Selection = "all"
)

func selectionOf(rows []Row, selected message.IDSet) Selection {
	if len(selected) == 0 {
		return SelectionNone
	}
	if len(rows) == 0 {
		return SelectionPartial
	}
	for _, r := range rows {
		if !selected.Contains(r.ID) {
			return SelectionPartial
		}
	}
	return SelectionAll
}
