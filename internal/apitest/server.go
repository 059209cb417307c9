// Package apitest runs an in-memory version of the expense API for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Server date format: naive UTC with microseconds.
const serverDateLayout = "2006-01-02T15:04:05.000000"

// Server is a fake expense API backed by maps.
type Server struct {
	*httptest.Server

	// RefreshCalls counts requests to /refresh.
	RefreshCalls atomic.Int32
	// AuthorizedCalls counts requests that passed the bearer check.
	AuthorizedCalls atomic.Int32
	// RejectedCalls counts requests answered with 401 by the bearer check.
	RejectedCalls atomic.Int32

	mu            sync.Mutex
	email         string
	password      string
	accessToken   string
	refreshToken  string
	issued        int
	rotate        bool
	refreshStatus int
	rejectAll     bool
	onRefresh     func()
	user          map[string]any
	expenses      map[string]map[string]any
	expenseOrder  []string
	savedItems    map[string]map[string]any
	itemOrder     []string
}

// New starts a server with one account, test@example.com / secret.
func New() *Server {
	s := &Server{
		email:      "test@example.com",
		password:   "secret",
		expenses:   make(map[string]map[string]any),
		savedItems: make(map[string]map[string]any),
	}
	s.user = map[string]any{
		"id":        uuid.NewString(),
		"email":     s.email,
		"is_active": true,
		"username":  "tester",
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/token", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.requireBearer)
	authed.HandleFunc("/users/me", s.handleGetUser).Methods(http.MethodGet)
	authed.HandleFunc("/users/me", s.handleUpdateUser).Methods(http.MethodPut)
	authed.HandleFunc("/expenses/", s.handleListExpenses).Methods(http.MethodGet)
	authed.HandleFunc("/expenses/", s.handleCreateExpense).Methods(http.MethodPost)
	authed.HandleFunc("/expenses/{id}", s.handleGetExpense).Methods(http.MethodGet)
	authed.HandleFunc("/expenses/{id}", s.handleUpdateExpense).Methods(http.MethodPut)
	authed.HandleFunc("/expenses/{id}", s.handleDeleteExpense).Methods(http.MethodDelete)
	authed.HandleFunc("/saved-items/", s.handleListItems).Methods(http.MethodGet)
	authed.HandleFunc("/saved-items/", s.handleCreateItem).Methods(http.MethodPost)
	authed.HandleFunc("/saved-items/{id}", s.handleDeleteItem).Methods(http.MethodDelete)
	return r
}

// Issue mints a token pair the server accepts and returns it.
func (s *Server) Issue() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueLocked(true)
	return s.accessToken, s.refreshToken
}

// ExpireAccessToken invalidates the current access token. The refresh token
// stays valid.
func (s *Server) ExpireAccessToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = fmt.Sprintf("expired-%d", s.issued)
}

// SetRotation makes /refresh return a new refresh token (true) or omit it.
func (s *Server) SetRotation(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

// FailRefresh makes /refresh answer with status. Zero restores normal
// behavior.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// RejectAll makes every authenticated route answer 401, even after a
// successful refresh.
func (s *Server) RejectAll(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// OnRefresh installs a hook that runs at the start of every /refresh
// request, before any lock is taken.
func (s *Server) OnRefresh(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = fn
}

// Tokens returns the pair the server currently accepts.
func (s *Server) Tokens() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.refreshToken
}

// AddExpense stores raw as an expense and returns its id. raw may omit
// splits and items to mimic older payloads.
func (s *Server) AddExpense(raw map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	raw["id"] = id
	s.expenses[id] = raw
	s.expenseOrder = append(s.expenseOrder, id)
	return id
}

func (s *Server) issueLocked(newRefresh bool) {
	s.issued++
	s.accessToken = fmt.Sprintf("access-%d-%s", s.issued, uuid.NewString())
	if newRefresh || s.refreshToken == "" {
		s.refreshToken = fmt.Sprintf("refresh-%d-%s", s.issued, uuid.NewString())
	}
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		valid := ok && token != "" && token == s.accessToken && !s.rejectAll
		s.mu.Unlock()

		if !valid {
			s.RejectedCalls.Add(1)
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		s.AuthorizedCalls.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string  `json:"email"`
		Password string  `json:"password"`
		Username *string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeValidation(w, "field required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Email == s.email {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	user := map[string]any{"id": uuid.NewString(), "email": req.Email, "is_active": true}
	if req.Username != nil {
		user["username"] = *req.Username
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeValidation(w, "Invalid form body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.PostForm.Get("username") != s.email || r.PostForm.Get("password") != s.password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	s.issueLocked(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
		"token_type":    "bearer",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)

	s.mu.Lock()
	hook := s.onRefresh
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshStatus != 0 {
		writeDetail(w, s.refreshStatus, "Invalid refresh token")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" || token != s.refreshToken {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	s.issueLocked(s.rotate)
	resp := map[string]any{
		"access_token": s.accessToken,
		"token_type":   "bearer",
	}
	if s.rotate {
		resp["refresh_token"] = s.refreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var update map[string]any
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeValidation(w, "Invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, field := range []string{"username", "subtitle", "profile_image_data"} {
		if v, ok := update[field]; ok && v != nil {
			s.user[field] = v
		}
	}
	writeJSON(w, http.StatusOK, s.user)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]map[string]any, 0, len(s.expenseOrder))
	for _, id := range s.expenseOrder {
		list = append(list, s.expenses[id])
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	expense, ok := s.expenses[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Expense not found")
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	expense, ok := decodeExpense(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	stampExpense(expense, id)
	s.expenses[id] = expense
	s.expenseOrder = append(s.expenseOrder, id)
	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	expense, ok := decodeExpense(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.expenses[id]; !exists {
		writeDetail(w, http.StatusNotFound, "Expense not found")
		return
	}
	stampExpense(expense, id)
	s.expenses[id] = expense
	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expenses[id]; !ok {
		writeDetail(w, http.StatusNotFound, "Expense not found")
		return
	}
	delete(s.expenses, id)
	s.expenseOrder = removeID(s.expenseOrder, id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]map[string]any, 0, len(s.itemOrder))
	for _, id := range s.itemOrder {
		list = append(list, s.savedItems[id])
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var item map[string]any
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeValidation(w, "Invalid JSON body")
		return
	}
	if name, _ := item["name"].(string); name == "" {
		writeValidation(w, "field required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	item["id"] = id
	s.savedItems[id] = item
	s.itemOrder = append(s.itemOrder, id)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.savedItems[id]; !ok {
		writeDetail(w, http.StatusNotFound, "Saved item not found")
		return
	}
	delete(s.savedItems, id)
	s.itemOrder = removeID(s.itemOrder, id)
	w.WriteHeader(http.StatusNoContent)
}

func decodeExpense(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var expense map[string]any
	if err := json.NewDecoder(r.Body).Decode(&expense); err != nil {
		writeValidation(w, "Invalid JSON body")
		return nil, false
	}
	raw, _ := expense["date"].(string)
	date, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeValidation(w, "Input should be a valid datetime")
		return nil, false
	}
	expense["date"] = date.UTC().Format(serverDateLayout)
	return expense, true
}

// stampExpense assigns ids to the expense and its children.
func stampExpense(expense map[string]any, id string) {
	expense["id"] = id
	for _, field := range []string{"splits", "items"} {
		children, _ := expense[field].([]any)
		for _, child := range children {
			if m, ok := child.(map[string]any); ok {
				m["id"] = uuid.NewString()
				m["expense_id"] = id
			}
		}
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{{"loc": []string{"body"}, "msg": msg, "type": "value_error"}},
	})
}
