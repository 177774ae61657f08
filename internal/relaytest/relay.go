// Package relaytest is an in-process stand-in for the relay server, carrying
// just enough surface for the client tests: registration, challenge login,
// the key directory, and websocket forwarding.
package relaytest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"relaychat/internal/model"
)

type (
	userRecord struct {
		username     string
		publicKey    ed25519.PublicKey
		descriptions []string
	}

	Relay struct {
		srv      *httptest.Server
		upgrader websocket.Upgrader

		mu         sync.Mutex
		users      map[string]*userRecord
		challenges map[string]string // user id -> outstanding challenge
		tokens     map[string]string // token -> user id
		conns      map[string]*websocket.Conn
		writeMu    map[string]*sync.Mutex
		nextID     int64
		logins     int
	}
)

func Start() *Relay {
	r := &Relay{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		users:      make(map[string]*userRecord),
		challenges: make(map[string]string),
		tokens:     make(map[string]string),
		conns:      make(map[string]*websocket.Conn),
		writeMu:    make(map[string]*sync.Mutex),
	}

	m := mux.NewRouter()
	m.HandleFunc("/auth/register", r.handleRegister).Methods(http.MethodPost)
	m.HandleFunc("/auth/login", r.handleLogin).Methods(http.MethodPost)
	m.HandleFunc("/auth/users/{id}", r.handleUserKey).Methods(http.MethodGet)
	m.HandleFunc("/active-users", r.handleActiveUsers).Methods(http.MethodGet)
	m.HandleFunc("/user/descriptions/{id}", r.handleGetDescriptions).Methods(http.MethodGet)
	m.HandleFunc("/user/descriptions", r.handleSetDescriptions).Methods(http.MethodPost)
	m.HandleFunc("/ws", r.handleWS).Methods(http.MethodGet)

	r.srv = httptest.NewServer(m)
	return r
}

func (r *Relay) URL() string { return r.srv.URL }

func (r *Relay) Close() {
	r.mu.Lock()
	for _, conn := range r.conns {
		conn.Close()
	}
	r.conns = make(map[string]*websocket.Conn)
	r.mu.Unlock()
	r.srv.Close()
}

// DropConnections closes every live socket while keeping tokens valid, which
// is what a network blip looks like to the client.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
}

// ExpireTokens invalidates every issued token so the next upgrade gets a 401.
func (r *Relay) ExpireTokens() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = make(map[string]string)
}

// Connected reports whether a user currently has a live socket.
func (r *Relay) Connected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[userID]
	return ok
}

// LoginCount reports how many verify-step logins have succeeded.
func (r *Relay) LoginCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logins
}

// Deliver pushes a raw envelope to a connected user, bypassing any sender
// socket. Used to craft system messages and malformed ciphertext in tests.
func (r *Relay) Deliver(userID string, msg *model.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	r.mu.Lock()
	conn, ok := r.conns[userID]
	wmu := r.writeMu[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	wmu.Lock()
	defer wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (r *Relay) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body struct {
		UserID    string `json:"user_id"`
		Username  string `json:"username"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.UserID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	key, err := base64.StdEncoding.DecodeString(body.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[body.UserID]; exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}
	r.users[body.UserID] = &userRecord{username: body.Username, publicKey: key}
	w.WriteHeader(http.StatusCreated)
}

func (r *Relay) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("verify") == "true" {
		r.handleLoginVerify(w, req)
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[body.UserID]; !ok {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}
	challenge := uuid.NewString()
	r.challenges[body.UserID] = challenge
	writeJSON(w, map[string]string{"challenge": challenge})
}

func (r *Relay) handleLoginVerify(w http.ResponseWriter, req *http.Request) {
	var body struct {
		UserID    string `json:"user_id"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[body.UserID]
	challenge, hasChallenge := r.challenges[body.UserID]
	if !ok || !hasChallenge {
		http.Error(w, "no outstanding challenge", http.StatusUnauthorized)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil || !ed25519.Verify(user.publicKey, []byte(challenge), sig) {
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}
	delete(r.challenges, body.UserID)

	token := uuid.NewString()
	r.tokens[token] = body.UserID
	r.logins++
	writeJSON(w, map[string]string{"token": token})
}

func (r *Relay) handleUserKey(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.authenticate(req); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := mux.Vars(req)["id"]

	r.mu.Lock()
	user, ok := r.users[id]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{
		"public_key": base64.StdEncoding.EncodeToString(user.publicKey),
	})
}

func (r *Relay) handleActiveUsers(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	online := []string{}
	offline := []string{}
	for id := range r.users {
		if _, ok := r.conns[id]; ok {
			online = append(online, id)
		} else {
			offline = append(offline, id)
		}
	}
	writeJSON(w, map[string][]string{"online": online, "offline": offline})
}

func (r *Relay) handleGetDescriptions(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	r.mu.Lock()
	user, ok := r.users[id]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	descs := user.descriptions
	if descs == nil {
		descs = []string{}
	}
	writeJSON(w, descs)
}

func (r *Relay) handleSetDescriptions(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.authenticate(req)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var descs []string
	if err := json.NewDecoder(req.Body).Decode(&descs); err != nil || len(descs) == 0 {
		http.Error(w, "descriptions must be non-empty", http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	if user, exists := r.users[userID]; exists {
		user.descriptions = descs
	}
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	r.mu.Lock()
	userID, ok := r.tokens[token]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	if old, exists := r.conns[userID]; exists {
		old.Close()
	}
	r.conns[userID] = conn
	r.writeMu[userID] = &sync.Mutex{}
	r.mu.Unlock()

	go r.forwardLoop(userID, conn)
}

// forwardLoop routes each inbound frame to its recipient, assigning the
// server-side sequence id on the way through. Frames to offline users are
// dropped; the tests do not exercise store-and-forward.
func (r *Relay) forwardLoop(userID string, conn *websocket.Conn) {
	defer func() {
		r.mu.Lock()
		if r.conns[userID] == conn {
			delete(r.conns, userID)
			delete(r.writeMu, userID)
		}
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		r.mu.Lock()
		r.nextID++
		id := r.nextID
		r.mu.Unlock()
		msg.ID = &id

		if msg.To == model.Broadcast {
			r.mu.Lock()
			targets := make([]string, 0, len(r.conns))
			for uid := range r.conns {
				if uid != userID {
					targets = append(targets, uid)
				}
			}
			r.mu.Unlock()
			for _, target := range targets {
				r.Deliver(target, &msg)
			}
			continue
		}
		r.Deliver(msg.To, &msg)
	}
}

func (r *Relay) authenticate(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.tokens[strings.TrimPrefix(auth, "Bearer ")]
	return userID, ok
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
