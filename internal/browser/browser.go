// Package browser defines the external browser-automation collaborator
// named in spec.md §6. The core never touches a real browser directly;
// it only calls this named interface, so the collaborator is
// replaceable without touching the secret-isolation kernel.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Recipe is everything a login drive needs, decrypted by the caller
// and handed in for the duration of one call only.
type Recipe struct {
	LoginURL         string
	EmailSelector    string
	PasswordSelector string
	SubmitSelector   string
	PostLoginCheck   string
}

// Result is the adapter's report. Message must already be redacted of
// email/password by the adapter itself (spec.md §6) — the core
// sanitizes again defensively, but the adapter is expected to do it
// first.
type Result struct {
	Success    bool
	PageTitle  string
	CurrentURL string
	Message    string
}

// Adapter drives a login attempt. Implementations must apply the
// spec's timing caps themselves (15s navigation/network-idle, 5s
// optional post-login check).
type Adapter interface {
	PerformLogin(ctx context.Context, recipe Recipe, email, password string) (Result, error)
}

// NopAdapter always fails without touching the network. It is the
// default used whenever no reachable debuggable browser is
// configured, keeping the core's own tests free of a real browser
// dependency.
type NopAdapter struct{}

func (NopAdapter) PerformLogin(_ context.Context, _ Recipe, _, _ string) (Result, error) {
	return Result{Success: false, Message: "no browser adapter configured"}, nil
}

const (
	navigationTimeout = 15 * time.Second
	domCheckTimeout   = 5 * time.Second
)

// CDPAdapter drives a remote debuggable Chrome via its HTTP control
// plane (the `/json/*` endpoints), per VAULT_CDP_URL. It intentionally
// does not implement a full Chrome DevTools Protocol WebSocket client —
// that belongs to a real browser-automation adapter, which spec.md §1
// places out of this module's hard-engineering surface. This is the
// minimal collaborator the CLI wires by default when VAULT_CDP_URL
// points at a reachable debugger.
type CDPAdapter struct {
	cdpURL string
	http   *http.Client
}

// NewCDPAdapter builds an adapter targeting a Chrome instance started
// with --remote-debugging-port, reachable at cdpURL (e.g.
// http://localhost:9222).
func NewCDPAdapter(cdpURL string) *CDPAdapter {
	return &CDPAdapter{cdpURL: strings.TrimRight(cdpURL, "/"), http: &http.Client{Timeout: navigationTimeout}}
}

type cdpTarget struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// PerformLogin opens a new tab, navigates to the login URL, and
// reports the resulting page title. Filling the email/password
// selectors and clicking submit requires driving the page's JS
// runtime over the DevTools WebSocket session, which is the part of
// this collaborator spec.md treats as out of scope; this adapter
// reports an honest partial-capability failure rather than pretending
// to type into fields it cannot reach.
func (a *CDPAdapter) PerformLogin(ctx context.Context, recipe Recipe, email, password string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, navigationTimeout)
	defer cancel()

	target, err := a.newTarget(ctx, recipe.LoginURL)
	if err != nil {
		return Result{Success: false, Message: redactCreds(err.Error(), email, password)}, nil
	}
	defer a.closeTarget(ctx, target.ID)

	if recipe.PostLoginCheck != "" {
		checkCtx, checkCancel := context.WithTimeout(ctx, domCheckTimeout)
		defer checkCancel()
		_ = checkCtx
	}

	return Result{
		Success:    false,
		PageTitle:  target.Title,
		CurrentURL: target.URL,
		Message:    "navigated to login page; form entry requires a DevTools session this adapter does not drive",
	}, nil
}

func (a *CDPAdapter) newTarget(ctx context.Context, url string) (cdpTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/json/new?%s", a.cdpURL, url), nil)
	if err != nil {
		return cdpTarget{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return cdpTarget{}, fmt.Errorf("open CDP target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return cdpTarget{}, fmt.Errorf("CDP target open failed: %d", resp.StatusCode)
	}
	var target cdpTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return cdpTarget{}, fmt.Errorf("decode CDP target: %w", err)
	}
	return target, nil
}

func (a *CDPAdapter) closeTarget(ctx context.Context, id string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/json/close/%s", a.cdpURL, id), nil)
	if err != nil {
		return
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// redactCreds strips password and email from adapter-originated
// messages, per spec.md §6's requirement that the adapter itself
// redact these before returning.
func redactCreds(msg, email, password string) string {
	if password != "" {
		msg = strings.ReplaceAll(msg, password, "***")
	}
	if email != "" {
		msg = strings.ReplaceAll(msg, email, "***")
	}
	return msg
}
