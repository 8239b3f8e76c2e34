// Package gateway implements the Entry-Form Gateway: a small local
// HTTP admin surface that lets a human type a new credential's secret
// directly into a browser form, so the value never passes through the
// calling bot or its MCP transport.
package gateway

import (
	"embed"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"silexa/vault-mcp/internal/audit"
	"silexa/vault-mcp/internal/store"
)

//go:embed static/*
var staticFS embed.FS

// TimeoutSentinel is sent to a pending channel when its 5-minute
// window elapses with no submission.
const TimeoutSentinel = "__timeout__"

const timeoutSentinel = TimeoutSentinel

const pendingTTL = 5 * time.Minute

type pendingSlot struct {
	ch    chan string
	timer *time.Timer
}

// Gateway owns the process-singleton admin HTTP server and the set of
// credentials awaiting a human's form submission.
type Gateway struct {
	addr  string
	store *store.Store
	audit *audit.Log

	mu      sync.Mutex
	pending map[string]*pendingSlot

	startOnce sync.Once
	srv       *http.Server
	startErr  error
}

// New builds a Gateway bound to addr (e.g. "127.0.0.1:9900"), not yet listening.
func New(addr string, st *store.Store, log *audit.Log) *Gateway {
	return &Gateway{addr: addr, store: st, audit: log, pending: make(map[string]*pendingSlot)}
}

// Addr returns the configured listen address, for building the form
// URL handed back to the calling bot.
func (g *Gateway) Addr() string {
	return g.addr
}

// Register creates a pending slot for token and arms its timeout. The
// returned channel receives exactly one value: the new credential's
// site_id on success, or the timeout sentinel.
func (g *Gateway) Register(token string) <-chan string {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot := &pendingSlot{ch: make(chan string, 1)}
	slot.timer = time.AfterFunc(pendingTTL, func() { g.resolve(token, timeoutSentinel) })
	g.pending[token] = slot
	return slot.ch
}

// resolve delivers value to token's slot exactly once: the slot is
// deleted from the map before the send, so a racing caller (the HTTP
// submit handler vs. the timeout) finds it already gone and no-ops.
func (g *Gateway) resolve(token, value string) {
	g.mu.Lock()
	slot, ok := g.pending[token]
	if ok {
		delete(g.pending, token)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	slot.timer.Stop()
	slot.ch <- value
}

// Ensure starts the HTTP server on first call and is a no-op
// afterward; the server lives for the lifetime of the process.
func (g *Gateway) Ensure() error {
	g.startOnce.Do(func() {
		r := chi.NewRouter()
		r.Use(corsMiddleware)
		r.Get("/add", g.handleAddForm)
		r.Post("/api/credentials", g.handleSubmitCredential)
		r.Get("/api/credentials", g.handleListCredentials)
		r.Patch("/api/credentials/{site}", g.handleToggleCredential)
		r.Delete("/api/credentials/{site}", g.handleRemoveCredential)
		r.Get("/api/audit", g.handleListAudit)

		ln, err := net.Listen("tcp", g.addr)
		if err != nil {
			g.startErr = err
			return
		}
		g.srv = &http.Server{Addr: g.addr, Handler: r}
		go func() {
			_ = g.srv.Serve(ln)
		}()
	})
	return g.startErr
}

// Shutdown stops the HTTP server if it was started. Safe to call even
// if Ensure was never called.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleAddForm(w http.ResponseWriter, r *http.Request) {
	http.FileServer(http.FS(staticFS)).ServeHTTP(w, withRewrittenPath(r, "/static/add.html"))
}

func withRewrittenPath(r *http.Request, path string) *http.Request {
	clone := r.Clone(r.Context())
	clone.URL.Path = path
	return clone
}

type submitCredentialRequest struct {
	Token            string `json:"token"`
	SiteID           string `json:"site_id"`
	ServiceType      string `json:"service_type"`
	LoginURL         string `json:"login_url"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	EmailSelector    string `json:"email_selector"`
	PasswordSelector string `json:"password_selector"`
	SubmitSelector   string `json:"submit_selector"`
	APIKey           string `json:"api_key"`
}

func (g *Gateway) handleSubmitCredential(w http.ResponseWriter, r *http.Request) {
	var req submitCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.SiteID == "" {
		http.Error(w, "token and site_id are required", http.StatusBadRequest)
		return
	}

	in := store.AddInput{SiteID: req.SiteID}
	switch store.ServiceType(req.ServiceType) {
	case store.ServiceWebLogin:
		in.ServiceType = store.ServiceWebLogin
		in.LoginURL = req.LoginURL
		in.Selectors = &store.Selectors{
			EmailSelector:    req.EmailSelector,
			PasswordSelector: req.PasswordSelector,
			SubmitSelector:   req.SubmitSelector,
		}
		in.Payload = store.Payload{WebLogin: &store.WebLoginPayload{Email: req.Email, Password: req.Password}}
	case store.ServiceAPIKey:
		in.ServiceType = store.ServiceAPIKey
		in.Payload = store.Payload{APIKey: &store.APIKeyPayload{APIKey: req.APIKey, Headers: map[string]string{}}}
	default:
		http.Error(w, "unknown service_type", http.StatusBadRequest)
		return
	}

	meta, err := g.store.Add(in)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	details := fmt.Sprintf("credential added via entry-form gateway (service_type=%s)", meta.ServiceType)
	if _, err := g.audit.Append("credential.created", meta.ID, "success", nil, &details); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	g.resolve(req.Token, meta.SiteID)
	writeJSON(w, http.StatusOK, meta)
}

func (g *Gateway) handleListCredentials(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.store.List())
}

type toggleCredentialRequest struct {
	Active bool `json:"active"`
}

func (g *Gateway) handleToggleCredential(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	var req toggleCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	meta, _, err := g.store.Get(site)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	ok, err := g.store.ToggleActive(site, req.Active)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	details := fmt.Sprintf("credential %s set active=%v via entry-form gateway", site, req.Active)
	if _, err := g.audit.Append("credential.toggled", meta.ID, "success", nil, &details); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (g *Gateway) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	meta, _, err := g.store.Get(site)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	ok, err := g.store.Remove(site)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	details := fmt.Sprintf("credential %s removed via entry-form gateway", site)
	if _, err := g.audit.Append("credential.removed", meta.ID, "success", nil, &details); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	credentialID := r.URL.Query().Get("credential_id")
	entries, err := g.audit.Entries(credentialID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
