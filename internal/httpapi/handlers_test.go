package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/policy"
	"adminpanel.io/internal/session"
	"adminpanel.io/internal/stream"
)

const testPolicies = `
policies:
  - id: auditor
    statements:
      - effect: Allow
        actions: ["audit:*"]
        resources: ["res:audit"]
  - id: support
    statements:
      - effect: Allow
        actions: ["session:Revoke"]
        resources: ["user:*"]
      - effect: Deny
        actions: ["session:Revoke"]
        resources: ["user:root"]
roles:
  - id: auditors
    policies: [auditor]
  - id: support
    policies: [support]
principals:
  - id: alice
    roles: [auditors, support]
  - id: bob
  - id: root
  - id: mallory
    status: disabled
    roles: [auditors]
`

// syncRecorder appends immediately so tests can assert on the chain.
type syncRecorder struct {
	chain *audit.Chain
}

func (s syncRecorder) Submit(in audit.Input) bool {
	_, err := s.chain.Append(context.Background(), in)
	return err == nil
}

type apiClient struct {
	baseURL  string
	client   *http.Client
	t        *testing.T
	tokens   *auth.Tokens
	sessions *session.Registry
	store    *audit.MemoryStore
	chain    *audit.Chain
}

type testOptions struct {
	authorizer Authorizer
}

func newTestAPI(t *testing.T, opts ...func(*testOptions)) *apiClient {
	t.Helper()

	var o testOptions
	for _, opt := range opts {
		opt(&o)
	}

	src, err := policy.ParseFile(strings.NewReader(testPolicies))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	evaluator, err := auth.NewEvaluator(src)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	sessions := session.NewRegistry(session.NewMemoryKV(nil))
	tokens, err := auth.NewTokens("test-secret", sessions)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	store := audit.NewMemoryStore()
	feed := stream.New()
	chain := audit.NewChain(store, audit.WithAppendHook(feed.Publish))

	var authorizer Authorizer = evaluator
	if o.authorizer != nil {
		authorizer = o.authorizer
	}

	api := New(Deps{
		Authorizer: authorizer,
		Tokens:     tokens,
		Sessions:   sessions,
		Audit:      audit.NewQuery(store),
		Chain:      chain,
		Recorder:   syncRecorder{chain: chain},
		Feed:       feed,
		Version:    "test",
		RateBurst:  100,
		RatePerSec: 100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		t:        t,
		tokens:   tokens,
		sessions: sessions,
		store:    store,
		chain:    chain,
	}
}

func (c *apiClient) token(userID string) string {
	c.t.Helper()
	issued, err := c.tokens.Issue(context.Background(), userID, session.Metadata{IPAddress: "127.0.0.1"})
	if err != nil {
		c.t.Fatalf("Issue: %v", err)
	}
	return issued.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body.String())
	}
}

func TestHealthEndpointsArePublic(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health body: %v", body)
	}

	resp = c.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/audit/events", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/v1/audit/events", nil, bearerHeader("garbage"))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/v1/audit/events", nil, map[string]string{"Authorization": "Basic abc"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAuthzCheckReportsOwnPermissions(t *testing.T) {
	c := newTestAPI(t)

	cases := []struct {
		user     string
		action   string
		resource string
		want     bool
	}{
		{"alice", "audit:Read", "res:audit", true},
		{"alice", "session:Revoke", "user:42", true},
		{"alice", "session:Revoke", "user:root", false},
		{"alice", "settings:Write", "res:settings", false},
		{"bob", "audit:Read", "res:audit", false},
		{"mallory", "audit:Read", "res:audit", false},
		{"nobody", "audit:Read", "res:audit", false},
	}
	for _, tc := range cases {
		resp := c.post("/v1/authz/check", map[string]string{"action": tc.action, "resource": tc.resource}, bearerHeader(c.token(tc.user)))
		expectStatus(t, resp, http.StatusOK)
		var body authzCheckResponse
		decodeBody(t, resp, &body)
		if body.Allowed != tc.want {
			t.Fatalf("%s %s %s: expected %v", tc.user, tc.action, tc.resource, tc.want)
		}
	}

	resp := c.post("/v1/authz/check", map[string]string{"action": "audit:Read"}, bearerHeader(c.token("alice")))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAuditEndpointsEnforcePermissions(t *testing.T) {
	c := newTestAPI(t)
	bob := bearerHeader(c.token("bob"))

	for _, path := range []string{"/v1/audit/events", "/v1/audit/export"} {
		resp := c.get(path, nil, bob)
		expectStatus(t, resp, http.StatusForbidden)
		var body map[string]any
		decodeBody(t, resp, &body)
		if body["error"] != "forbidden" {
			t.Fatalf("expected generic forbidden, got %v", body)
		}
	}
	resp := c.post("/v1/audit/verify", nil, bob)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

type brokenAuthorizer struct{}

func (brokenAuthorizer) Check(context.Context, string, string, string) (bool, error) {
	return false, errors.Join(auth.ErrPolicyLookup, errors.New("connection refused"))
}

func TestPolicyLookupFailureIsServiceUnavailable(t *testing.T) {
	c := newTestAPI(t, func(o *testOptions) { o.authorizer = brokenAuthorizer{} })

	resp := c.get("/v1/audit/events", nil, bearerHeader(c.token("alice")))
	expectStatus(t, resp, http.StatusServiceUnavailable)
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["error"] != "authorization unavailable" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRevokeSessionsFlow(t *testing.T) {
	c := newTestAPI(t)
	admin := bearerHeader(c.token("alice"))

	victimTokens := []string{c.token("42"), c.token("42"), c.token("42")}

	resp := c.post("/v1/users/42/sessions/revoke", map[string]string{"reason": "compromised"}, admin)
	expectStatus(t, resp, http.StatusOK)
	var out revokeResponse
	decodeBody(t, resp, &out)
	if out.Revoked != 3 {
		t.Fatalf("expected 3 revoked, got %d", out.Revoked)
	}

	for _, tok := range victimTokens {
		resp := c.post("/v1/authz/check", map[string]string{"action": "a", "resource": "b"}, bearerHeader(tok))
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}

	resp = c.post("/v1/users/42/sessions/revoke", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &out)
	if out.Revoked != 0 {
		t.Fatalf("expected 0 revoked on second call, got %d", out.Revoked)
	}

	resp = c.post("/v1/users/root/sessions/revoke", nil, admin)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	events, err := c.store.Search(context.Background(), audit.Filter{Action: auth.ActionSessionRevoke})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(events) != 2 || events[1].EntityID != "42" || events[1].ActorID != "alice" {
		t.Fatalf("expected two revoke audit events, got %+v", events)
	}
}

func TestLogoutRevokesCurrentToken(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("alice")

	resp := c.post("/v1/auth/logout", nil, bearerHeader(tok))
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.post("/v1/auth/logout", nil, bearerHeader(tok))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/v1/audit/events", nil, bearerHeader(c.token("alice")))
	expectStatus(t, resp, http.StatusOK)
	var body auditEventsResponse
	decodeBody(t, resp, &body)
	if body.Count != 1 || body.Events[0].Action != "auth:Logout" {
		t.Fatalf("expected logout audit event, got %+v", body)
	}
}

func TestAuditSearchExportAndVerify(t *testing.T) {
	c := newTestAPI(t)
	alice := bearerHeader(c.token("alice"))
	ctx := context.Background()

	for i, action := range []string{"user:Create", "user:Update", "role:Update"} {
		_, err := c.chain.Append(ctx, audit.Input{
			ActorID:    "alice",
			Action:     action,
			EntityType: strings.SplitN(action, ":", 2)[0],
			EntityID:   string(rune('a' + i)),
			After:      json.RawMessage(`{"note":"x, \"y\""}`),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	resp := c.get("/v1/audit/events", url.Values{"entity_type": {"user"}}, alice)
	expectStatus(t, resp, http.StatusOK)
	var list auditEventsResponse
	decodeBody(t, resp, &list)
	if list.Count != 2 || list.Events[0].Action != "user:Update" {
		t.Fatalf("unexpected search result %+v", list)
	}

	resp = c.get("/v1/audit/events", url.Values{"from": {"yesterday"}}, alice)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.get("/v1/audit/export", url.Values{"actor": {"alice"}}, alice)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	records, err := csv.NewReader(resp.Body).ReadAll()
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 || strings.Join(records[0], ",") != strings.Join(audit.CSVHeader, ",") {
		t.Fatalf("unexpected csv: %v", records)
	}
	if records[1][10] != `{"note":"x, \"y\""}` {
		t.Fatalf("unexpected after state %q", records[1][10])
	}

	from := time.Now().Add(-200 * 24 * time.Hour).UTC().Format(time.RFC3339)
	resp = c.get("/v1/audit/export", url.Values{"from": {from}}, alice)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/audit/verify", verifyRequest{}, alice)
	expectStatus(t, resp, http.StatusOK)
	var verified verifyResponse
	decodeBody(t, resp, &verified)
	if !verified.Valid {
		t.Fatalf("expected valid chain, got %+v", verified)
	}

	ok, _, err := c.chain.Verify(ctx, 0, 0)
	if err != nil || !ok {
		t.Fatalf("chain including request audit events must verify: %v %v", ok, err)
	}
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	c := newTestAPI(t)
	alice := bearerHeader(c.token("alice"))

	resp := c.get("/v1/users/42/sessions", nil, alice)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.get("/v1/audit/verify", nil, alice)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header")
	}
	resp.Body.Close()
}

func TestAuditStreamDeliversAppendedEvents(t *testing.T) {
	c := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/audit/stream?entity_type=user", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token("alice"))
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	for _, in := range []audit.Input{
		{ActorID: "alice", Action: "role:Update", EntityType: "role", EntityID: "r1"},
		{ActorID: "alice", Action: "user:Update", EntityType: "user", EntityID: "42"},
	} {
		if _, err := c.chain.Append(context.Background(), in); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var evt audit.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.EntityType != "user" || evt.EntityID != "42" {
		t.Fatalf("expected filtered user event, got %+v", evt)
	}
}

func TestAuditStreamRequiresReadPermission(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/audit/stream", nil, bearerHeader(c.token("bob")))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}
