// Package session speaks the relay's HTTP surface: registration, the
// challenge-response login that yields the bearer token, and the
// authenticated lookups layered on top of it.
package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaychat/internal/cryptographic/signature"
)

const requestTimeout = 10 * time.Second

type (
	Session struct {
		baseURL  string
		userID   string
		identity *signature.Identity
		client   *http.Client

		mu    sync.RWMutex
		token string
	}

	registerRequest struct {
		UserID    string `json:"user_id"`
		Username  string `json:"username"`
		PublicKey string `json:"public_key"`
	}

	challengeRequest struct {
		UserID string `json:"user_id"`
	}

	challengeResponse struct {
		Challenge string `json:"challenge"`
	}

	verifyRequest struct {
		UserID    string `json:"user_id"`
		Signature string `json:"signature"`
	}

	tokenResponse struct {
		Token string `json:"token"`
	}

	userKeyResponse struct {
		PublicKey string `json:"public_key"`
	}

	activeUsersResponse struct {
		Online  []string `json:"online"`
		Offline []string `json:"offline"`
	}
)

func New(baseURL, userID string, identity *signature.Identity) *Session {
	return &Session{
		baseURL:  strings.TrimRight(baseURL, "/"),
		userID:   userID,
		identity: identity,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

func (s *Session) UserID() string { return s.userID }

// Token returns the current bearer token, empty before login.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Register announces the local identity to the relay. An already-registered
// id (409) is fine; the keypair never changes, so the existing record is ours.
func (s *Session) Register(ctx context.Context, username string) error {
	status, _, err := s.post(ctx, "/auth/register", &registerRequest{
		UserID:    s.userID,
		Username:  username,
		PublicKey: s.identity.PublicKeyBase64(),
	}, false)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if status == http.StatusConflict {
		return nil
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("register: server returned status %d", status)
	}
	return nil
}

// Login runs the two-step challenge-response handshake and stores the bearer
// token. Failures are fatal setup errors; retry policy belongs to the caller.
func (s *Session) Login(ctx context.Context) error {
	status, body, err := s.post(ctx, "/auth/login", &challengeRequest{UserID: s.userID}, false)
	if err != nil {
		return fmt.Errorf("login challenge: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("login challenge: server returned status %d", status)
	}
	var challenge challengeResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return fmt.Errorf("login challenge: decode response: %w", err)
	}

	sig := s.identity.Sign([]byte(challenge.Challenge))
	status, body, err = s.post(ctx, "/auth/login?verify=true", &verifyRequest{
		UserID:    s.userID,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, false)
	if err != nil {
		return fmt.Errorf("login verify: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("login verify: server returned status %d", status)
	}
	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("login verify: decode response: %w", err)
	}
	if token.Token == "" {
		return fmt.Errorf("login verify: server returned empty token")
	}
	s.setToken(token.Token)
	return nil
}

// FetchUserKey looks up a user's registered public signing key.
func (s *Session) FetchUserKey(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	status, body, err := s.get(ctx, "/auth/users/"+userID, true)
	if err != nil {
		return nil, fmt.Errorf("fetch key for %s: %w", userID, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch key for %s: server returned status %d", userID, status)
	}
	var resp userKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("fetch key for %s: decode response: %w", userID, err)
	}
	key, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("fetch key for %s: malformed public key", userID)
	}
	return ed25519.PublicKey(key), nil
}

// ActiveUsers returns the relay's view of who is online and offline.
func (s *Session) ActiveUsers(ctx context.Context) (online, offline []string, err error) {
	status, body, err := s.get(ctx, "/active-users", true)
	if err != nil {
		return nil, nil, fmt.Errorf("active users: %w", err)
	}
	if status != http.StatusOK {
		return nil, nil, fmt.Errorf("active users: server returned status %d", status)
	}
	var resp activeUsersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("active users: decode response: %w", err)
	}
	return resp.Online, resp.Offline, nil
}

// UserDescriptions fetches the description strings published for a user.
func (s *Session) UserDescriptions(ctx context.Context, userID string) ([]string, error) {
	status, body, err := s.get(ctx, "/user/descriptions/"+userID, false)
	if err != nil {
		return nil, fmt.Errorf("descriptions for %s: %w", userID, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("descriptions for %s: server returned status %d", userID, status)
	}
	var descs []string
	if err := json.Unmarshal(body, &descs); err != nil {
		return nil, fmt.Errorf("descriptions for %s: decode response: %w", userID, err)
	}
	return descs, nil
}

// SetUserDescriptions publishes the local user's description strings.
func (s *Session) SetUserDescriptions(ctx context.Context, descs []string) error {
	if len(descs) == 0 {
		return fmt.Errorf("set descriptions: list must be non-empty")
	}
	status, _, err := s.post(ctx, "/user/descriptions", descs, true)
	if err != nil {
		return fmt.Errorf("set descriptions: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("set descriptions: server returned status %d", status)
	}
	return nil
}

func (s *Session) post(ctx context.Context, path string, payload any, auth bool) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, auth)
}

func (s *Session) get(ctx context.Context, path string, auth bool) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	return s.do(req, auth)
}

func (s *Session) do(req *http.Request, auth bool) (int, []byte, error) {
	if auth {
		if token := s.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
