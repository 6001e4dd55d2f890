package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSend(t *testing.T) {
	tests := []struct {
		name   string
		kind   string
		err    error
		reason string
	}{
		{"new succeeds", "new", nil, ""},
		{"reply succeeds", "reply", nil, ""},
		{"forward fails", "forward", errors.New("boom"), "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent := testutil.ToFloat64(MessagesSent.WithLabelValues(tt.kind))
			failed := testutil.ToFloat64(SendFailures.WithLabelValues(tt.reason))

			RecordSend(tt.kind, tt.err, tt.reason)

			gotSent := testutil.ToFloat64(MessagesSent.WithLabelValues(tt.kind))
			gotFailed := testutil.ToFloat64(SendFailures.WithLabelValues(tt.reason))
			if tt.err == nil {
				if gotSent != sent+1 {
					t.Errorf("MessagesSent[%s] = %v, want %v", tt.kind, gotSent, sent+1)
				}
				if gotFailed != failed {
					t.Errorf("SendFailures changed on success")
				}
			} else {
				if gotFailed != failed+1 {
					t.Errorf("SendFailures[%s] = %v, want %v", tt.reason, gotFailed, failed+1)
				}
				if gotSent != sent {
					t.Errorf("MessagesSent changed on failure")
				}
			}
		})
	}
}

func TestRecordThread(t *testing.T) {
	initial := testutil.ToFloat64(ThreadsResolved)

	RecordThread(3)

	if got := testutil.ToFloat64(ThreadsResolved); got != initial+1 {
		t.Errorf("ThreadsResolved = %v, want %v", got, initial+1)
	}
}

func TestRecordMutation(t *testing.T) {
	tests := []struct {
		op     string
		err    error
		result string
	}{
		{"star", nil, "success"},
		{"delete", errors.New("unavailable"), "failure"},
	}

	for _, tt := range tests {
		initial := testutil.ToFloat64(Mutations.WithLabelValues(tt.op, tt.result))
		RecordMutation(tt.op, tt.err)
		if got := testutil.ToFloat64(Mutations.WithLabelValues(tt.op, tt.result)); got != initial+1 {
			t.Errorf("Mutations[%s,%s] = %v, want %v", tt.op, tt.result, got, initial+1)
		}
	}
}

func TestRecordAuth(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		result  string
	}{
		{"success", true, "success"},
		{"failure", false, "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(AuthAttempts.WithLabelValues(tt.result))
			RecordAuth(tt.success)
			if got := testutil.ToFloat64(AuthAttempts.WithLabelValues(tt.result)); got != initial+1 {
				t.Errorf("AuthAttempts[%s] = %v, want %v", tt.result, got, initial+1)
			}
		})
	}
}

func TestRecordError(t *testing.T) {
	initial := testutil.ToFloat64(Errors.WithLabelValues("store", "unavailable"))
	RecordError("store", "unavailable")
	if got := testutil.ToFloat64(Errors.WithLabelValues("store", "unavailable")); got != initial+1 {
		t.Errorf("Errors = %v, want %v", got, initial+1)
	}
}

func TestMetricNamesPrefixed(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := 0
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "webmail_") {
			found++
		}
	}
	if found == 0 {
		t.Error("no webmail_ metrics registered")
	}
}
