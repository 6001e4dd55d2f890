package compose

import (
	"strings"

	"github.com/fenilsonani/webmail/internal/thread"
)

const (
	forwardHeader = "---------- Forwarded Message ----------"
	quoteRule     = "----------------------------------------"

	// DateLayout formats dates in forwarded text.
	DateLayout = "Mon, Jan 2, 2006 at 3:04 PM MST"

	unknownDate = "(unknown date)"
)

// ForwardSubject prefixes a subject for forwarding.
func ForwardSubject(title string) string {
	return "Fwd: " + title
}

// ForwardBody renders the text of a forward: a header naming the original
// sender, date and subject, each message of the original's history, then
// the original itself.
func ForwardBody(original *thread.Entry) string {
	var b strings.Builder
	m := original.Message

	b.WriteString(forwardHeader + "\n")
	b.WriteString("From: " + original.SenderEmail + "\n")
	b.WriteString("Date: " + formatDate(original) + "\n")
	b.WriteString("Subject: " + m.Title + "\n")

	for _, h := range original.History {
		writeQuote(&b, h)
	}
	writeQuote(&b, original)
	return b.String()
}

func writeQuote(b *strings.Builder, e *thread.Entry) {
	b.WriteString("\n" + quoteRule + "\n")
	b.WriteString("On " + formatDate(e) + ", " + e.SenderEmail + " wrote:\n\n")
	b.WriteString(e.Message.Content + "\n")
}

func formatDate(e *thread.Entry) string {
	if e.Message.SentDate.IsZero() {
		return unknownDate
	}
	return e.Message.SentDate.Format(DateLayout)
}
