package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/auction-realtime/internal/auth"
)

// authServer accepts "Bearer <valid>" on every path except the refresh
// endpoint, which hands out A2/R2 for refresh token R1. A rotating server
// instead exchanges any Rk for A(k+1)/R(k+1) and starts accepting A(k+1).
type authServer struct {
	*httptest.Server

	mu        sync.Mutex
	valid     string
	refreshes int32
	rejected  int32
	bodies    []string

	refreshStatus int
	refreshGate   func() // runs before the refresh response is written
	rotating      bool
	accepted      []string // Authorization of every accepted request
}

func newAuthServer(t *testing.T, opts ...func(*authServer)) *authServer {
	t.Helper()
	s := &authServer{valid: "A2", refreshStatus: http.StatusOK}
	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == RefreshPath {
			atomic.AddInt32(&s.refreshes, 1)
			if r.Header.Get("Authorization") != "" {
				t.Errorf("refresh request carried Authorization %q", r.Header.Get("Authorization"))
			}
			var in map[string]string
			json.NewDecoder(r.Body).Decode(&in)

			if s.refreshGate != nil {
				s.refreshGate()
			}
			if s.rotating {
				k, err := strconv.Atoi(strings.TrimPrefix(in["refreshToken"], "R"))
				if err != nil {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				next := TokenPair{AccessToken: fmt.Sprintf("A%d", k+1), RefreshToken: fmt.Sprintf("R%d", k+1)}
				s.mu.Lock()
				s.valid = next.AccessToken
				s.mu.Unlock()
				json.NewEncoder(w).Encode(next)
				return
			}
			if in["refreshToken"] != "R1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if s.refreshStatus != http.StatusOK {
				w.WriteHeader(s.refreshStatus)
				return
			}
			json.NewEncoder(w).Encode(TokenPair{AccessToken: "A2", RefreshToken: "R2"})
			return
		}

		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		valid := s.valid
		s.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+valid {
			atomic.AddInt32(&s.rejected, 1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.accepted = append(s.accepted, r.Header.Get("Authorization"))
		s.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(s.Close)

	return s
}

// waitRejected blocks until the server has answered n requests with 401.
func (s *authServer) waitRejected(n int32) {
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&s.rejected) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Let the clients observe their 401s and queue up.
	time.Sleep(50 * time.Millisecond)
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.Event
}

func (l *eventLog) record(ev auth.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind auth.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) rotatedTokens() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var tokens []string
	for _, ev := range l.events {
		if ev.Kind == auth.EventRotated {
			tokens = append(tokens, ev.Credentials.AccessToken)
		}
	}
	return tokens
}

func newTestCoordinator(s *authServer, creds auth.Credentials) (*Coordinator, auth.Store, *eventLog) {
	store := auth.NewMemoryStore(creds)
	bus := auth.NewBus()
	log := &eventLog{}
	bus.Subscribe(log.record)
	return NewCoordinator(s.URL, store, WithEvents(bus)), store, log
}

func get(t *testing.T, hc *http.Client, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return hc.Do(req)
}

func TestCoordinator_AttachesToken(t *testing.T) {
	s := newAuthServer(t, func(s *authServer) { s.valid = "A1" })
	coord, _, _ := newTestCoordinator(s, auth.Credentials{AccessToken: "A1"})

	resp, err := get(t, &http.Client{Transport: coord}, s.URL+"/me")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&s.refreshes); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestCoordinator_SingleRefresh(t *testing.T) {
	const parallel = 3
	s := newAuthServer(t, func(s *authServer) {
		s.refreshGate = func() { s.waitRejected(parallel) }
	})

	coord, store, events := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1", User: "u"})
	hc := &http.Client{Transport: coord}

	var wg sync.WaitGroup
	statuses := make([]int, parallel)
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := get(t, hc, s.URL+"/orders")
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&s.refreshes); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
	for i, code := range statuses {
		if code != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, code)
		}
	}

	creds, _ := store.Load(context.Background())
	want := auth.Credentials{AccessToken: "A2", RefreshToken: "R2", User: "u"}
	if creds != want {
		t.Errorf("stored = %+v, want %+v", creds, want)
	}
	if n := events.count(auth.EventRotated); n != 1 {
		t.Errorf("rotated events = %d, want 1", n)
	}
	if n := events.count(auth.EventLoggedOut); n != 0 {
		t.Errorf("logged out events = %d, want 0", n)
	}
}

func TestCoordinator_OneShotRetry(t *testing.T) {
	s := newAuthServer(t, func(s *authServer) { s.valid = "never" })
	coord, _, _ := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1"})

	resp, err := get(t, &http.Client{Transport: coord}, s.URL+"/orders")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&s.refreshes); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
	// Original plus one replay.
	if n := atomic.LoadInt32(&s.rejected); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestCoordinator_RefreshFailure(t *testing.T) {
	s := newAuthServer(t, func(s *authServer) {
		s.refreshStatus = http.StatusInternalServerError
		s.refreshGate = func() { s.waitRejected(2) }
	})

	coord, store, events := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1"})
	hc := &http.Client{Transport: coord}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := get(t, hc, s.URL+"/bids")
			if err == nil {
				resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrRefreshExhausted) {
			t.Errorf("request %d error = %v, want ErrRefreshExhausted", i, err)
		}
	}
	if n := atomic.LoadInt32(&s.refreshes); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
	if n := events.count(auth.EventLoggedOut); n != 1 {
		t.Errorf("logged out events = %d, want 1", n)
	}
	if creds, _ := store.Load(context.Background()); creds.HasAccess() || creds.HasRefresh() {
		t.Errorf("credentials not cleared: %+v", creds)
	}
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	s := newAuthServer(t)
	coord, store, events := newTestCoordinator(s, auth.Credentials{AccessToken: "A1"})

	resp, err := get(t, &http.Client{Transport: coord}, s.URL+"/orders")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&s.refreshes); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
	if n := events.count(auth.EventLoggedOut); n != 1 {
		t.Errorf("logged out events = %d, want 1", n)
	}
	if creds, _ := store.Load(context.Background()); creds.HasAccess() {
		t.Errorf("credentials not cleared: %+v", creds)
	}
}

func TestCoordinator_SkipRefresh(t *testing.T) {
	s := newAuthServer(t)
	coord, _, _ := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1"})

	req, _ := http.NewRequestWithContext(SkipRefresh(context.Background()), http.MethodGet, s.URL+"/orders", nil)
	resp, err := (&http.Client{Transport: coord}).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&s.refreshes); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestCoordinator_ReplaysBody(t *testing.T) {
	s := newAuthServer(t)
	coord, _, _ := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1"})

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/bids", strings.NewReader(`{"amount":10}`))
	resp, err := (&http.Client{Transport: coord}).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) != 2 || s.bodies[0] != s.bodies[1] || s.bodies[1] != `{"amount":10}` {
		t.Errorf("bodies = %q, want the same body twice", s.bodies)
	}
}

// A second wave starts from the rotated pair.
func TestCoordinator_SequentialWaves(t *testing.T) {
	s := newAuthServer(t)
	coord, store, events := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1"})
	hc := &http.Client{Transport: coord}

	resp, err := get(t, hc, s.URL+"/orders")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Server-side revocation of A2; the next refresh presents R2, which the
	// server does not accept.
	s.mu.Lock()
	s.valid = "A3"
	s.mu.Unlock()

	_, err = get(t, hc, s.URL+"/orders")
	if !errors.Is(err, ErrRefreshExhausted) {
		t.Errorf("second wave error = %v, want ErrRefreshExhausted", err)
	}
	if n := atomic.LoadInt32(&s.refreshes); n != 2 {
		t.Errorf("refreshes = %d, want 2", n)
	}
	if events.count(auth.EventRotated) != 1 || events.count(auth.EventLoggedOut) != 1 {
		t.Errorf("rotated = %d, logged out = %d, want 1 each",
			events.count(auth.EventRotated), events.count(auth.EventLoggedOut))
	}
	if creds, _ := store.Load(context.Background()); creds.HasRefresh() {
		t.Errorf("credentials not cleared: %+v", creds)
	}
}

// Each wave rotates the pair once, and every request queued in a wave is
// replayed with that wave's token.
func TestCoordinator_RepeatedRotation(t *testing.T) {
	const (
		waves    = 3
		parallel = 2
	)
	var rejectTarget int32
	s := newAuthServer(t, func(s *authServer) {
		s.rotating = true
		s.refreshGate = func() { s.waitRejected(atomic.LoadInt32(&rejectTarget)) }
	})
	coord, store, events := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1", User: "u"})
	hc := &http.Client{Transport: coord}

	for wave := 1; wave <= waves; wave++ {
		// Revoke the current access token server-side.
		s.mu.Lock()
		s.valid = "revoked"
		s.accepted = nil
		s.mu.Unlock()
		atomic.StoreInt32(&rejectTarget, int32(wave*parallel))

		var wg sync.WaitGroup
		for i := 0; i < parallel; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := get(t, hc, s.URL+"/orders")
				if err != nil {
					t.Errorf("wave %d: request failed: %v", wave, err)
					return
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					t.Errorf("wave %d: status = %d, want 200", wave, resp.StatusCode)
				}
			}()
		}
		wg.Wait()

		want := fmt.Sprintf("Bearer A%d", wave+1)
		s.mu.Lock()
		accepted := append([]string(nil), s.accepted...)
		s.mu.Unlock()
		if len(accepted) != parallel {
			t.Fatalf("wave %d: accepted %d requests, want %d", wave, len(accepted), parallel)
		}
		for _, got := range accepted {
			if got != want {
				t.Errorf("wave %d: replayed with %q, want %q", wave, got, want)
			}
		}
	}

	if n := atomic.LoadInt32(&s.refreshes); n != waves {
		t.Errorf("refreshes = %d, want %d", n, waves)
	}
	creds, _ := store.Load(context.Background())
	want := auth.Credentials{
		AccessToken:  fmt.Sprintf("A%d", waves+1),
		RefreshToken: fmt.Sprintf("R%d", waves+1),
		User:         "u",
	}
	if creds != want {
		t.Errorf("stored = %+v, want %+v", creds, want)
	}
	if got := events.rotatedTokens(); fmt.Sprint(got) != "[A2 A3 A4]" {
		t.Errorf("rotated tokens = %v, want [A2 A3 A4]", got)
	}
	if n := events.count(auth.EventLoggedOut); n != 0 {
		t.Errorf("logged out events = %d, want 0", n)
	}
}

func TestCoordinator_WaiterContextCancel(t *testing.T) {
	release := make(chan struct{})
	s := newAuthServer(t, func(s *authServer) {
		s.refreshGate = func() { <-release }
	})
	defer close(release)

	coord, _, _ := newTestCoordinator(s, auth.Credentials{AccessToken: "A1", RefreshToken: "R1"})
	hc := &http.Client{Transport: coord}

	go func() {
		resp, err := get(t, hc, s.URL+"/leader")
		if err == nil {
			resp.Body.Close()
		}
	}()
	s.waitRejected(1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/waiter", nil)
	_, err := hc.Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}
