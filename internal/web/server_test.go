package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/config"
	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/docstore/memory"
	"github.com/fenilsonani/webmail/internal/docstore/storetest"
	"github.com/fenilsonani/webmail/internal/mailbox"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	faults *storetest.Faulty
}

func setupServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	mem := memory.New()
	t.Cleanup(func() { mem.Close() })
	docs := storetest.NewFaulty(mem)

	cfg := config.DefaultConfig()
	cfg.Compose.RedirectDelay = "0s"
	if mutate != nil {
		mutate(cfg)
	}
	authn := auth.NewAuthenticator(docs, auth.WithParams(auth.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}))
	s := NewServer(cfg, Deps{Docs: docs, Auth: authn})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: s, http: ts, faults: docs}
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (e *testEnv) client(t *testing.T) *client {
	return newClient(t, e.http.URL)
}

func newClient(t *testing.T, base string) *client {
	jar, _ := cookiejar.New(nil)
	return &client{t: t, base: base, http: &http.Client{Jar: jar, Timeout: 10 * time.Second}}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (e *testEnv) signup(t *testing.T, name, email string) (*client, string) {
	t.Helper()
	c := e.client(t)
	var out struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	code := c.do("POST", "/api/register", map[string]string{"name": name, "email": email, "password": "Secret123"}, &out)
	if code != http.StatusCreated {
		t.Fatalf("register %s status = %d", email, code)
	}
	return c, out.User.ID
}

func TestUnauthenticated(t *testing.T) {
	env := setupServer(t, nil)
	c := env.client(t)

	var body errorBody
	if code := c.do("GET", "/api/mail/inbox", nil, &body); code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
	if body.Redirect != LoginPath {
		t.Errorf("redirect = %q, want %q", body.Redirect, LoginPath)
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	env := setupServer(t, nil)
	ann, annID := env.signup(t, "Ann Lee", "ann@example.com")

	var me auth.Account
	if code := ann.do("GET", "/api/me", nil, &me); code != http.StatusOK || me.ID != annID || me.Role != auth.RoleUser {
		t.Fatalf("me = %d %+v", code, me)
	}

	if code := ann.do("POST", "/api/logout", nil, nil); code != http.StatusOK {
		t.Fatalf("logout status = %d", code)
	}
	if code := ann.do("GET", "/api/me", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("me after logout status = %d, want 401", code)
	}

	c := env.client(t)
	if code := c.do("POST", "/api/login", map[string]string{"email": "ann@example.com", "password": "Secret123"}, nil); code != http.StatusOK {
		t.Fatalf("login status = %d", code)
	}
	if code := c.do("GET", "/api/me", nil, nil); code != http.StatusOK {
		t.Errorf("me after login status = %d", code)
	}

	dup := env.client(t)
	if code := dup.do("POST", "/api/register", map[string]string{"name": "Ann Again", "email": "ANN@example.com", "password": "Secret123"}, nil); code != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", code)
	}
	if code := dup.do("POST", "/api/register", map[string]string{"name": "Al", "email": "al@example.com", "password": "weak"}, nil); code != http.StatusBadRequest {
		t.Errorf("invalid register status = %d, want 400", code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := setupServer(t, func(cfg *config.Config) { cfg.RateLimit.LoginMaxAttempts = 3 })
	env.signup(t, "Ann Lee", "ann@example.com")
	c := env.client(t)

	bad := map[string]string{"email": "ann@example.com", "password": "Wrong1234"}
	for i := 0; i < 3; i++ {
		if code := c.do("POST", "/api/login", bad, nil); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, code)
		}
	}
	good := map[string]string{"email": "ann@example.com", "password": "Secret123"}
	if code := c.do("POST", "/api/login", good, nil); code != http.StatusTooManyRequests {
		t.Errorf("login while blocked status = %d, want 429", code)
	}
}

func TestMailFlow(t *testing.T) {
	env := setupServer(t, nil)
	ann, annID := env.signup(t, "Ann Lee", "ann@example.com")
	bob, bobID := env.signup(t, "Bob Stone", "bob@example.com")

	var sent struct {
		MessageID string `json:"messageId"`
		Notice    string `json:"notice"`
		Redirect  string `json:"redirect"`
	}
	code := ann.do("POST", "/api/messages", map[string]any{
		"recipients": []string{"bob@example.com"},
		"subject":    "Lunch",
		"body":       "Noon?",
	}, &sent)
	if code != http.StatusCreated || sent.MessageID == "" || sent.Redirect != "sent" {
		t.Fatalf("send = %d %+v", code, sent)
	}

	var inbox mailbox.Page
	if code := bob.do("GET", "/api/mail/inbox", nil, &inbox); code != http.StatusOK {
		t.Fatalf("inbox status = %d", code)
	}
	if inbox.Total != 1 || inbox.Rows[0].SenderName != "Ann Lee" || inbox.Rows[0].Read {
		t.Fatalf("inbox = %+v", inbox)
	}

	var th threadView
	if code := bob.do("GET", "/api/messages/"+sent.MessageID, nil, &th); code != http.StatusOK {
		t.Fatalf("open status = %d", code)
	}
	if th.Root.SenderEmail != "ann@example.com" || !th.Root.Read || len(th.Replies) != 0 {
		t.Errorf("thread = %+v", th)
	}

	var reply struct {
		MessageID string `json:"messageId"`
		Refresh   bool   `json:"refresh"`
	}
	if code := bob.do("POST", "/api/messages/"+sent.MessageID+"/reply", map[string]string{"body": "Sure"}, &reply); code != http.StatusCreated || !reply.Refresh {
		t.Fatalf("reply = %d %+v", code, reply)
	}
	if code := ann.do("GET", "/api/messages/"+sent.MessageID, nil, &th); code != http.StatusOK {
		t.Fatalf("open status = %d", code)
	}
	if len(th.Replies) != 1 || th.Replies[0].Title != "(replied)" || th.Replies[0].SenderEmail != "bob@example.com" {
		t.Errorf("replies = %+v", th.Replies)
	}

	var star struct {
		Starred bool `json:"starred"`
	}
	if code := bob.do("POST", "/api/messages/"+sent.MessageID+"/star", nil, &star); code != http.StatusOK || !star.Starred {
		t.Fatalf("star = %d %+v", code, star)
	}
	var starred mailbox.Page
	bob.do("GET", "/api/mail/starred", nil, &starred)
	if starred.Total != 1 {
		t.Errorf("bob starred total = %d, want 1", starred.Total)
	}
	ann.do("GET", "/api/mail/starred", nil, &starred)
	if starred.Total != 0 {
		t.Errorf("ann starred total = %d, want 0", starred.Total)
	}

	if code := bob.do("POST", "/api/messages/delete", map[string]any{"ids": []string{sent.MessageID}}, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	bob.do("GET", "/api/mail/inbox", nil, &inbox)
	if inbox.Total != 0 {
		t.Errorf("bob inbox after delete = %d, want 0", inbox.Total)
	}
	var annSent mailbox.Page
	ann.do("GET", "/api/mail/sent", nil, &annSent)
	if annSent.Total != 1 {
		t.Errorf("ann sent after bob's delete = %d, want 1", annSent.Total)
	}

	var suggestions []struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	ann.do("GET", "/api/recipients?q=BOB", nil, &suggestions)
	if len(suggestions) != 1 || suggestions[0].ID != bobID {
		t.Errorf("ann suggestions = %+v, want bob", suggestions)
	}
	var resolved struct {
		Resolved bool `json:"resolved"`
	}
	bob.do("GET", "/api/recipients/resolve?email=Ann@Example.com", nil, &resolved)
	if !resolved.Resolved {
		t.Errorf("resolve ann = %+v, want resolved (id %s)", resolved, annID)
	}
}

func TestForward(t *testing.T) {
	env := setupServer(t, nil)
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")
	bob, _ := env.signup(t, "Bob Stone", "bob@example.com")
	carl, _ := env.signup(t, "Carl Diaz", "carl@example.com")

	var sent struct {
		MessageID string `json:"messageId"`
	}
	ann.do("POST", "/api/messages", map[string]any{"recipients": []string{"bob@example.com"}, "subject": "Plan", "body": "Step one"}, &sent)
	var reply struct {
		MessageID string `json:"messageId"`
	}
	bob.do("POST", "/api/messages/"+sent.MessageID+"/reply", map[string]string{"body": "Step two"}, &reply)

	code := bob.do("POST", "/api/messages/"+reply.MessageID+"/forward", map[string]any{
		"recipients": []string{"carl@example.com"},
		"note":       "FYI",
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("forward status = %d", code)
	}

	var inbox mailbox.Page
	carl.do("GET", "/api/mail/inbox", nil, &inbox)
	if inbox.Total != 1 {
		t.Fatalf("carl inbox = %+v", inbox)
	}
	row := inbox.Rows[0]
	if row.Title != "Fwd: Plan" {
		t.Errorf("title = %q, want %q", row.Title, "Fwd: Plan")
	}
	for _, want := range []string{"FYI", "Step one", "Step two", "ann@example.com wrote:"} {
		if !strings.Contains(row.Content, want) {
			t.Errorf("forward body missing %q:\n%s", want, row.Content)
		}
	}
}

func TestErrors(t *testing.T) {
	env := setupServer(t, nil)
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown folder", "GET", "/api/mail/archive", nil, http.StatusBadRequest},
		{"bad page size", "GET", "/api/mail/inbox?size=7", nil, http.StatusBadRequest},
		{"non-numeric page", "GET", "/api/mail/inbox?page=x", nil, http.StatusBadRequest},
		{"missing thread", "GET", "/api/messages/nope", nil, http.StatusNotFound},
		{"reply to missing", "POST", "/api/messages/nope/reply", map[string]string{"body": "hi"}, http.StatusNotFound},
		{"star missing", "POST", "/api/messages/nope/star", nil, http.StatusNotFound},
		{"read missing", "POST", "/api/messages/nope/read", nil, http.StatusNotFound},
		{"send without recipients", "POST", "/api/messages", map[string]any{"subject": "x"}, http.StatusBadRequest},
		{"send without subject", "POST", "/api/messages", map[string]any{"recipients": []string{"a@example.com"}}, http.StatusBadRequest},
		{"unknown field", "POST", "/api/messages", map[string]any{"to": "x"}, http.StatusBadRequest},
		{"delete nothing", "POST", "/api/messages/delete", map[string]any{"ids": []string{}}, http.StatusBadRequest},
		{"resolve blank", "GET", "/api/recipients/resolve", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := ann.do(tt.method, tt.path, tt.body, nil); code != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, code, tt.want)
			}
		})
	}
}

func TestMutationRateLimit(t *testing.T) {
	env := setupServer(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 0.001
		cfg.RateLimit.Burst = 2
	})
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ann.do("POST", "/api/messages/nope/read", nil, nil))
	}
	if codes[0] != http.StatusNotFound || codes[1] != http.StatusNotFound || codes[2] != http.StatusTooManyRequests {
		t.Errorf("statuses = %v, want [404 404 429]", codes)
	}
	// Reads are not throttled.
	if code := ann.do("GET", "/api/mail/inbox", nil, nil); code != http.StatusOK {
		t.Errorf("inbox status = %d", code)
	}
}

type sseEvent struct {
	name string
	data string
}

// stream opens an event stream and delivers its events until ctx is done
// or the server ends the response.
func (c *client) stream(ctx context.Context, path string) <-chan sseEvent {
	c.t.Helper()
	req, _ := http.NewRequestWithContext(ctx, "GET", c.base+path, nil)
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("stream error = %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		c.t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan sseEvent, 8)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		name := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				select {
				case events <- sseEvent{name: name, data: strings.TrimPrefix(line, "data: ")}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, ctx context.Context, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case e, ok := <-events:
		if !ok {
			t.Fatal("stream ended")
		}
		return e
	case <-ctx.Done():
		t.Fatal("timed out waiting for stream event")
	}
	return sseEvent{}
}

func nextPage(t *testing.T, ctx context.Context, events <-chan sseEvent) mailbox.Page {
	t.Helper()
	for {
		e := nextEvent(t, ctx, events)
		if e.name != "page" {
			continue
		}
		var p mailbox.Page
		if err := json.Unmarshal([]byte(e.data), &p); err != nil {
			t.Fatalf("page event %q: %v", e.data, err)
		}
		return p
	}
}

func TestStream(t *testing.T) {
	env := setupServer(t, nil)
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")
	bob, _ := env.signup(t, "Bob Stone", "bob@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := bob.stream(ctx, "/api/mail/inbox/stream")

	if first := nextPage(t, ctx, events); first.Total != 0 || first.Folder != "inbox" {
		t.Fatalf("first page = %+v", first)
	}

	ann.do("POST", "/api/messages", map[string]any{"recipients": []string{"bob@example.com"}, "subject": "Live", "body": "now"}, nil)
	for {
		p := nextPage(t, ctx, events)
		if p.Total == 1 {
			if p.Rows[0].Title != "Live" {
				t.Errorf("row title = %q", p.Rows[0].Title)
			}
			break
		}
	}
}

func TestStreamReportsStoreFailure(t *testing.T) {
	env := setupServer(t, nil)
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")
	bob, _ := env.signup(t, "Bob Stone", "bob@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := bob.stream(ctx, "/api/mail/inbox/stream")
	nextPage(t, ctx, events)

	env.faults.FailReads(docstore.Messages, true)
	ann.do("POST", "/api/messages", map[string]any{"recipients": []string{"bob@example.com"}, "subject": "Lost", "body": "?"}, nil)

	// Pages queued before the failure may still arrive first.
	e := nextEvent(t, ctx, events)
	for e.name == "page" {
		e = nextEvent(t, ctx, events)
	}
	if e.name != "error" {
		t.Fatalf("event = %s %s, want error", e.name, e.data)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal([]byte(e.data), &body); err != nil {
		t.Fatalf("error event %q: %v", e.data, err)
	}
	if body.Status != http.StatusServiceUnavailable || body.Error == "" {
		t.Errorf("error event = %+v, want 503 with a message", body)
	}

	env.faults.FailReads(docstore.Messages, false)
	ann.do("POST", "/api/messages", map[string]any{"recipients": []string{"bob@example.com"}, "subject": "Back", "body": "!"}, nil)
	for {
		e := nextEvent(t, ctx, events)
		if e.name != "page" {
			continue
		}
		var p mailbox.Page
		if err := json.Unmarshal([]byte(e.data), &p); err != nil {
			t.Fatalf("page event %q: %v", e.data, err)
		}
		if p.Total == 2 {
			return
		}
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := setupServer(t, nil)
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")

	env.faults.FailReads(docstore.Messages, true)
	var body errorBody
	if code := ann.do("GET", "/api/mail/inbox", nil, &body); code != http.StatusServiceUnavailable {
		t.Errorf("inbox status = %d, want 503", code)
	}
	if body.Error == "" {
		t.Error("503 response has no error message")
	}
}

func TestMessageAccess(t *testing.T) {
	env := setupServer(t, nil)
	ann, _ := env.signup(t, "Ann Lee", "ann@example.com")
	bob, _ := env.signup(t, "Bob Stone", "bob@example.com")
	eve, _ := env.signup(t, "Eve Moss", "eve@example.com")

	var sent struct {
		MessageID string `json:"messageId"`
	}
	ann.do("POST", "/api/messages", map[string]any{"recipients": []string{"bob@example.com"}, "subject": "Private", "body": "just us"}, &sent)
	path := "/api/messages/" + sent.MessageID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"open", "GET", path, nil},
		{"reply", "POST", path + "/reply", map[string]string{"body": "me too"}},
		{"forward", "POST", path + "/forward", map[string]any{"recipients": []string{"eve@example.com"}}},
		{"star", "POST", path + "/star", nil},
		{"read", "POST", path + "/read", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := eve.do(tt.method, tt.path, tt.body, nil); code != http.StatusNotFound {
				t.Errorf("outsider %s status = %d, want 404", tt.name, code)
			}
		})
	}

	if code := bob.do("POST", "/api/messages/delete", map[string]any{"ids": []string{sent.MessageID}}, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if code := bob.do("GET", path, nil, nil); code != http.StatusNotFound {
		t.Errorf("open after delete status = %d, want 404", code)
	}
	if code := ann.do("GET", path, nil, nil); code != http.StatusOK {
		t.Errorf("sender open status = %d, want 200", code)
	}
}

func TestShutdownEndsStreams(t *testing.T) {
	env := setupServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- env.server.Serve(ln) }()

	c := newClient(t, "http://"+ln.Addr().String())
	code := c.do("POST", "/api/register", map[string]string{"name": "Ann Lee", "email": "ann@example.com", "password": "Secret123"}, nil)
	if code != http.StatusCreated {
		t.Fatalf("register status = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := c.stream(ctx, "/api/mail/inbox/stream")
	nextPage(t, ctx, events)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	start := time.Now()
	if err := env.server.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v after %s", err, time.Since(start))
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Shutdown() took %s with an open stream", d)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve() error = %v", err)
	}

	// The stream ends rather than waiting for the client.
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-ctx.Done():
			t.Fatal("stream still open after Shutdown")
		}
	}
}

func TestHealthz(t *testing.T) {
	env := setupServer(t, nil)
	c := env.client(t)
	var status HealthStatus
	if code := c.do("GET", "/healthz", nil, &status); code != http.StatusOK || status.Services["store"] != "ok" {
		t.Errorf("healthz = %d %+v", code, status)
	}
}

func TestLimiterPoolSweep(t *testing.T) {
	p := newLimiterPool(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if !p.allow("a") || p.allow("a") {
		t.Fatal("burst of 1 not enforced")
	}
	p.allow("b")
	now = now.Add(time.Hour)
	p.allow("b")
	p.sweep(30 * time.Minute)
	if p.size() != 1 {
		t.Errorf("size() after sweep = %d, want 1", p.size())
	}
	p.forget("b")
	if p.size() != 0 {
		t.Errorf("size() after forget = %d, want 0", p.size())
	}
}
