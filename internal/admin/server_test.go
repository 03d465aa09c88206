package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/apconsole/internal/device"
	"github.com/goodtune/apconsole/internal/policy"
	"github.com/goodtune/apconsole/internal/session"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/goodtune/apconsole/internal/storage/storagetest"
	"github.com/goodtune/apconsole/internal/users"
	"github.com/goodtune/apconsole/internal/whitelist"
	"github.com/rs/zerolog"
)

const testClientIP = "192.0.2.1" // httptest.NewRequest's RemoteAddr host

type testEnv struct {
	server *Server
	deps   Deps
	store  storage.Store
}

type envOptions struct {
	adminOnly   bool
	maxSessions int
	rateLimit   int
	leases      MACResolver
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, _ := storagetest.New(t)

	userStore := users.NewStore(store.KV(), users.Options{}, zerolog.Nop())
	if err := userStore.Load(ctx); err != nil {
		t.Fatalf("users Load failed: %v", err)
	}
	wl := whitelist.NewStore(store.KV(), whitelist.Options{Autoflush: true, SeedDefaults: true}, zerolog.Nop())
	if err := wl.Load(ctx); err != nil {
		t.Fatalf("whitelist Load failed: %v", err)
	}
	engine, err := policy.NewEngine(policy.Config{AdminOnlyMutations: opts.adminOnly}, zerolog.Nop())
	if err != nil {
		t.Fatalf("policy NewEngine failed: %v", err)
	}

	deps := Deps{
		Sessions:  session.NewTable(opts.maxSessions, time.Minute, zerolog.Nop()),
		Users:     userStore,
		Whitelist: wl,
		Devices:   device.NewRegistry(store.KV(), device.Options{Max: 10, Autoflush: true}, zerolog.Nop()),
		Policy:    engine,
		Leases:    opts.leases,
	}

	srv, err := NewServer(Config{
		MaxCookieBytes:  4096,
		RateLimit:       opts.rateLimit,
		RateLimitWindow: time.Minute,
	}, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testEnv{server: srv, deps: deps, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := e.do(req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("login %s: got %d to %q", username, rec.Code, rec.Header().Get("Location"))
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func (e *testEnv) postJSON(cookie *http.Cookie, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return e.do(req)
}

func (e *testEnv) get(cookie *http.Cookie, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return e.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
}

func assertRedirect(t *testing.T, rec *httptest.ResponseRecorder, location string) {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("Expected 302, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != location {
		t.Errorf("Expected redirect to %q, got %q", location, got)
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	cookie := env.login(t, "admin", "admin")
	if !cookie.HttpOnly || cookie.Path != "/" {
		t.Errorf("Unexpected cookie attributes %+v", cookie)
	}

	if rec := env.get(cookie, "/dashboard"); rec.Code != http.StatusOK {
		t.Errorf("Expected dashboard 200, got %d", rec.Code)
	}
	assertRedirect(t, env.get(nil, "/dashboard"), "/login")
	assertRedirect(t, env.get(cookie, "/"), "/dashboard")
	assertRedirect(t, env.get(nil, "/"), "/login")
	assertRedirect(t, env.get(cookie, "/login"), "/dashboard")
}

func TestLogin_Failures(t *testing.T) {
	env := newTestEnv(t, envOptions{maxSessions: 1})

	form := url.Values{"username": {"admin"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assertRedirect(t, env.do(req), "/login?error=1")

	// The only session slot is taken
	env.login(t, "admin", "admin")
	form = url.Values{"username": {"admin"}, "password": {"admin"}}
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assertRedirect(t, env.do(req), "/login?error=1")
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})

	for i := 0; i < 2; i++ {
		form := url.Values{"username": {"admin"}, "password": {"wrong"}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		assertRedirect(t, env.do(req), "/login?error=1")
	}

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=admin&password=admin"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := env.do(req); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	rec := env.get(cookie, "/logout")
	assertRedirect(t, rec, "/login")
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "Max-Age=0") {
		t.Errorf("Expected cookie cleared, got %q", rec.Header().Get("Set-Cookie"))
	}
	if env.deps.Sessions.Count() != 0 {
		t.Errorf("Expected session removed, %d remain", env.deps.Sessions.Count())
	}
	assertRedirect(t, env.get(cookie, "/dashboard"), "/login")
}

// follow issues GET path without a session cookie and follows redirects,
// returning the final response and every location visited.
func (e *testEnv) follow(t *testing.T, path string) (*httptest.ResponseRecorder, []string) {
	t.Helper()
	visited := []string{path}
	for hops := 0; hops < 5; hops++ {
		rec := e.get(nil, path)
		if rec.Code != http.StatusFound {
			return rec, visited
		}
		if rec.Header().Get("Set-Cookie") != "" {
			t.Fatalf("%s set a cookie on the whitelist path: %q", path, rec.Header().Get("Set-Cookie"))
		}
		path = rec.Header().Get("Location")
		visited = append(visited, path)
	}
	t.Fatalf("redirect loop: %v", visited)
	return nil, visited
}

func TestWhitelistBypass(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	if err := env.deps.Whitelist.Remove("AA:BB:CC:11:22:33"); err != nil {
		t.Fatalf("Remove default entry failed: %v", err)
	}
	if err := env.deps.Devices.Upsert("laptop", testClientIP, "aa:bb:cc:11:22:33"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Not whitelisted yet: the login form is served
	if rec := env.get(nil, "/login"); rec.Code != http.StatusOK {
		t.Fatalf("Expected login page, got %d", rec.Code)
	}
	assertRedirect(t, env.get(nil, "/dashboard"), "/login")

	rec := env.postJSON(cookie, "/api/whitelist", `{"action":"add","mac":"AA:BB:CC:11:22:33","description":"test"}`)
	var resp SuccessResponse
	decode(t, rec, &resp)
	if resp.Status != "success" || resp.Message != msgSuccess {
		t.Fatalf("Unexpected response %s", rec.Body.String())
	}

	assertRedirect(t, env.get(nil, "/login"), "/dashboard")

	final, visited := env.follow(t, "/login")
	if final.Code != http.StatusOK || visited[len(visited)-1] != "/dashboard" {
		t.Fatalf("Expected dashboard 200, got %d after %v", final.Code, visited)
	}
	if !strings.Contains(final.Body.String(), "Dashboard") {
		t.Errorf("Expected dashboard page, got %s", final.Body.String())
	}
	if env.deps.Sessions.Count() != 1 {
		t.Errorf("Expected the bypass to use no session slot, %d live", env.deps.Sessions.Count())
	}

	if final, _ := env.follow(t, "/"); final.Code != http.StatusOK {
		t.Errorf("Expected / to reach the dashboard, got %d", final.Code)
	}
	if rec := env.get(nil, "/api/devices"); rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected API access on the whitelist path, got %d", rec.Code)
	}
}

func TestWhitelistBypass_NotAdmin(t *testing.T) {
	env := newTestEnv(t, envOptions{adminOnly: true})
	if err := env.deps.Devices.Upsert("laptop", testClientIP, "AA:BB:CC:11:22:33"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if rec := env.get(nil, "/api/whitelist"); rec.Code != http.StatusOK {
		t.Errorf("Expected read access, got %d", rec.Code)
	}
	rec := env.postJSON(nil, "/api/users", `{"action":"add","username":"eve","password":"pw","role":1}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a mutation on the whitelist path, got %d", rec.Code)
	}
}

func TestWhitelistBypass_ReusedAddress(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	// A whitelisted phone held the address, then it moved to another station
	if err := env.deps.Devices.Upsert("phone", testClientIP, "AA:BB:CC:11:22:33"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := env.deps.Devices.Upsert("visitor", testClientIP, "02:00:00:00:00:99"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if rec := env.get(nil, "/login"); rec.Code != http.StatusOK {
		t.Errorf("Expected login page for the new holder, got %d to %q", rec.Code, rec.Header().Get("Location"))
	}
	assertRedirect(t, env.get(nil, "/dashboard"), "/login")
}

func TestWhitelistBypass_LeaseIsAuthoritative(t *testing.T) {
	env := newTestEnv(t, envOptions{leases: staticLeases{testClientIP: "02:00:00:00:00:99"}})

	// The device table still remembers a whitelisted phone on this address
	if err := env.deps.Devices.Upsert("phone", testClientIP, "AA:BB:CC:11:22:33"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if rec := env.get(nil, "/login"); rec.Code != http.StatusOK {
		t.Errorf("Expected login page for the lease holder, got %d", rec.Code)
	}
}

type staticLeases map[string]string

func (s staticLeases) MACForIP(_ context.Context, ip string) (string, error) {
	if mac, ok := s[ip]; ok {
		return mac, nil
	}
	return "", storage.ErrNotFound
}

func TestWhitelistBypass_LeaseFallback(t *testing.T) {
	env := newTestEnv(t, envOptions{leases: staticLeases{testClientIP: "dd:ee:ff:44:55:66"}})

	final, visited := env.follow(t, "/login")
	if final.Code != http.StatusOK || visited[len(visited)-1] != "/dashboard" {
		t.Errorf("Expected dashboard 200, got %d after %v", final.Code, visited)
	}
}

func TestUsersAPI(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	tests := []struct {
		name      string
		body      string
		wantError string
		wantCode  string
	}{
		{name: "add", body: `{"action":"add","username":"bob","password":"pw","role":0}`},
		{name: "duplicate", body: `{"action":"add","username":"bob","password":"pw","role":0}`, wantError: msgFailed, wantCode: codeConflict},
		{name: "invalid json", body: `{"action":`, wantError: msgInvalidJSON, wantCode: codeInvalid},
		{name: "missing username", body: `{"action":"delete"}`, wantError: msgMissingFields, wantCode: codeInvalid},
		{name: "missing role", body: `{"action":"add","username":"carol","password":"pw"}`, wantError: msgMissingAddField, wantCode: codeInvalid},
		{name: "bad role", body: `{"action":"add","username":"carol","password":"pw","role":7}`, wantError: msgFailed, wantCode: codeInvalid},
		{name: "update", body: `{"action":"update","username":"bob","role":1}`},
		{name: "update unknown", body: `{"action":"update","username":"nobody","password":"x"}`, wantError: msgFailed, wantCode: codeNotFound},
		{name: "unknown action", body: `{"action":"rename","username":"bob"}`, wantError: msgFailed, wantCode: codeInvalid},
		{name: "delete", body: `{"action":"delete","username":"bob"}`},
		{name: "delete missing", body: `{"action":"delete","username":"bob"}`, wantError: msgFailed, wantCode: codeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON(cookie, "/api/users", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			var resp map[string]string
			decode(t, rec, &resp)
			if tt.wantError == "" {
				if resp["status"] != "success" {
					t.Errorf("Expected success, got %v", resp)
				}
				return
			}
			if resp["error"] != tt.wantError || resp["code"] != tt.wantCode {
				t.Errorf("Expected %q/%q, got %v", tt.wantError, tt.wantCode, resp)
			}
		})
	}
}

func TestUsersAPI_ListHidesPasswords(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	rec := env.get(cookie, "/api/users")
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("User listing leaks passwords: %s", rec.Body.String())
	}
	var resp struct {
		Users []userView `json:"users"`
	}
	decode(t, rec, &resp)
	if len(resp.Users) != 1 || resp.Users[0].Username != "admin" || resp.Users[0].Role != 1 {
		t.Errorf("Unexpected users %+v", resp.Users)
	}
}

func TestUsersAPI_CapacityBoundary(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	for i := 1; i < users.DefaultMax; i++ {
		body := `{"action":"add","username":"user` + string(rune('a'+i)) + `","password":"pw","role":0}`
		var resp map[string]string
		decode(t, env.postJSON(cookie, "/api/users", body), &resp)
		if resp["status"] != "success" {
			t.Fatalf("add %d failed: %v", i, resp)
		}
	}

	var resp map[string]string
	decode(t, env.postJSON(cookie, "/api/users", `{"action":"add","username":"overflow","password":"pw","role":0}`), &resp)
	if resp["code"] != codeFull {
		t.Errorf("Expected full, got %v", resp)
	}
}

func TestWhitelistAPI(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	tests := []struct {
		name      string
		body      string
		wantError string
		wantCode  string
	}{
		{name: "add", body: `{"action":"add","mac":"11:22:33:44:55:66"}`},
		{name: "duplicate other case", body: `{"action":"add","mac":"11:22:33:44:55:66"}`, wantError: msgFailed, wantCode: codeConflict},
		{name: "bad mac", body: `{"action":"add","mac":"zz"}`, wantError: msgFailed, wantCode: codeInvalid},
		{name: "missing mac", body: `{"action":"add"}`, wantError: msgMissingFields, wantCode: codeInvalid},
		{name: "invalid action", body: `{"action":"toggle","mac":"11:22:33:44:55:66"}`, wantError: msgInvalidAction, wantCode: codeInvalid},
		{name: "delete", body: `{"action":"delete","mac":"11-22-33-44-55-66"}`},
		{name: "delete missing", body: `{"action":"delete","mac":"11:22:33:44:55:66"}`, wantError: msgFailed, wantCode: codeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]string
			decode(t, env.postJSON(cookie, "/api/whitelist", tt.body), &resp)
			if tt.wantError == "" {
				if resp["status"] != "success" {
					t.Errorf("Expected success, got %v", resp)
				}
				return
			}
			if resp["error"] != tt.wantError || resp["code"] != tt.wantCode {
				t.Errorf("Expected %q/%q, got %v", tt.wantError, tt.wantCode, resp)
			}
		})
	}

	var list struct {
		MACs []whitelist.Entry `json:"macs"`
	}
	decode(t, env.get(cookie, "/api/whitelist"), &list)
	if len(list.MACs) != len(whitelist.Defaults) {
		t.Errorf("Expected only the defaults left, got %+v", list.MACs)
	}
}

func TestDevicesAPI(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	_ = env.deps.Devices.Upsert("laptop", "192.168.4.10", "AA:00:00:00:00:01")
	_ = env.deps.Devices.Upsert(device.UnknownHostname, "192.168.4.11", "AA:00:00:00:00:02")
	_ = env.deps.Devices.Upsert(device.UnknownHostname, "192.168.4.12", "AA:00:00:00:00:03")

	var resp DevicesResponse
	decode(t, env.get(cookie, "/api/devices"), &resp)

	if resp.TotalCount != 1 || resp.UnknownCount != 2 {
		t.Errorf("Expected 1 named and 2 unknown, got %d/%d", resp.TotalCount, resp.UnknownCount)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Hostname != "laptop" || resp.Devices[0].IsUnknown {
		t.Errorf("Unexpected named devices %+v", resp.Devices)
	}
	if len(resp.UnknownDevices) != 2 || !resp.UnknownDevices[0].IsUnknown || !resp.UnknownDevices[0].IsActive {
		t.Errorf("Unexpected unknown devices %+v", resp.UnknownDevices)
	}

	var clear map[string]string
	decode(t, env.postJSON(cookie, "/api/devices/clear", `{}`), &clear)
	if clear["status"] != "success" {
		t.Fatalf("Clear failed: %v", clear)
	}
	if env.deps.Devices.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", env.deps.Devices.Count())
	}
}

func TestSessionsAPI(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")
	env.login(t, "admin", "admin")

	rec := env.get(cookie, "/api/sessions")
	if strings.Contains(rec.Body.String(), cookie.Value) {
		t.Error("Session listing leaks tokens")
	}
	var resp struct {
		Count    int           `json:"count"`
		Sessions []sessionView `json:"sessions"`
	}
	decode(t, rec, &resp)
	if resp.Count != 2 || len(resp.Sessions) != 2 || resp.Sessions[0].Username != "admin" {
		t.Errorf("Unexpected sessions %+v", resp)
	}
}

func TestAPI_RequiresSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, path := range []string{"/api/users", "/api/whitelist", "/api/devices", "/api/sessions"} {
		assertRedirect(t, env.get(nil, path), "/login")
	}
	assertRedirect(t, env.get(&http.Cookie{Name: SessionCookie, Value: "bogus"}, "/api/users"), "/login")
	assertRedirect(t, env.postJSON(nil, "/api/users", `{"action":"delete","username":"admin"}`), "/login")

	if _, err := env.deps.Users.Get("admin"); err != nil {
		t.Error("Unauthenticated request changed state")
	}
}

func TestAPI_AdminOnlyMutations(t *testing.T) {
	env := newTestEnv(t, envOptions{adminOnly: true})
	admin := env.login(t, "admin", "admin")

	var resp map[string]string
	decode(t, env.postJSON(admin, "/api/users", `{"action":"add","username":"bob","password":"pw","role":0}`), &resp)
	if resp["status"] != "success" {
		t.Fatalf("admin add failed: %v", resp)
	}

	bob := env.login(t, "bob", "pw")
	if rec := env.get(bob, "/api/devices"); rec.Code != http.StatusOK {
		t.Errorf("Expected user read allowed, got %d", rec.Code)
	}

	rec := env.postJSON(bob, "/api/whitelist", `{"action":"add","mac":"11:22:33:44:55:66"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
	decode(t, rec, &resp)
	if resp["code"] != codeForbidden {
		t.Errorf("Expected forbidden code, got %v", resp)
	}
	if env.deps.Whitelist.Check("11:22:33:44:55:66") {
		t.Error("Denied request changed state")
	}
}

func TestHeaderTooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Cookie", "junk="+strings.Repeat("x", 5000))
	rec := env.do(req)
	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("Expected 431, got %d", rec.Code)
	}

	if rec := env.get(nil, "/header_too_large"); rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("Expected 431 page, got %d", rec.Code)
	}
}

func TestStaticAndHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		path        string
		contentType string
	}{
		{"/style.css", "text/css"},
		{"/common.js", "application/javascript"},
		{"/health", "application/json"},
	}
	for _, tt := range tests {
		rec := env.get(nil, tt.path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tt.path, rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), tt.contentType) {
			t.Errorf("%s: unexpected content type %q", tt.path, rec.Header().Get("Content-Type"))
		}
	}

	var health map[string]string
	decode(t, env.get(nil, "/health"), &health)
	if health["status"] != "ok" {
		t.Errorf("Unexpected health %v", health)
	}
}

func TestPages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.login(t, "admin", "admin")

	for _, p := range pages {
		rec := env.get(cookie, p.path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", p.path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), p.title) {
			t.Errorf("%s: page title missing", p.path)
		}
	}
}
