// Package mcptools implements the five-verb tool surface described in
// spec.md §4.4: list, status, login, api_request, and add. Every
// method here is what cmd/vault-mcp registers with mcp.AddTool.
package mcptools

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"

	"silexa/vault-mcp/internal/apiclient"
	"silexa/vault-mcp/internal/audit"
	"silexa/vault-mcp/internal/browser"
	"silexa/vault-mcp/internal/gateway"
	"silexa/vault-mcp/internal/sanitize"
	"silexa/vault-mcp/internal/store"
)

// Server wires the secret-isolation kernel's collaborators together
// and exposes the five agent-visible tool verbs.
type Server struct {
	Store     *store.Store
	Audit     *audit.Log
	Gateway   *gateway.Gateway
	APIClient *apiclient.Client
	Browser   browser.Adapter
	Logger    *log.Logger
}

// --- list --------------------------------------------------------------

// CredentialSummary is one entry of ListOutput.
type CredentialSummary struct {
	SiteID      string `json:"site_id"`
	ServiceType string `json:"service_type"`
	Active      bool   `json:"active"`
}

// ListOutput is the response shape of spec.md §6.
type ListOutput struct {
	Credentials []CredentialSummary `json:"credentials"`
}

// List returns the metadata projection of every credential. Never
// decrypts.
func (s *Server) List(context.Context, ListInput) (ListOutput, error) {
	metas := s.Store.List()
	out := ListOutput{Credentials: make([]CredentialSummary, 0, len(metas))}
	for _, m := range metas {
		out.Credentials = append(out.Credentials, CredentialSummary{
			SiteID:      m.SiteID,
			ServiceType: string(m.ServiceType),
			Active:      m.Active,
		})
	}
	return out, nil
}

// ListInput is empty; list takes no parameters.
type ListInput struct{}

// --- status --------------------------------------------------------------

// StatusInput names the credential to inspect.
type StatusInput struct {
	SiteID string `json:"site_id"`
}

// StatusOutput is the response shape of spec.md §6. Error is set, and
// all other fields left zero, when no such credential exists.
type StatusOutput struct {
	SiteID      string `json:"site_id,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Active      bool   `json:"active,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	AuditCount  int    `json:"audit_count,omitempty"`
	LastUsed    *LastUsed `json:"last_used,omitempty"`
	Error       string `json:"error,omitempty"`
}

// LastUsed summarizes the most recent audit entry for a credential.
type LastUsed struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Result    string `json:"result"`
}

// Status returns metadata plus audit_count and the last audit entry.
// Never decrypts.
func (s *Server) Status(_ context.Context, in StatusInput) (StatusOutput, error) {
	var meta store.Metadata
	found := false
	for _, m := range s.Store.List() {
		if m.SiteID == in.SiteID {
			meta, found = m, true
			break
		}
	}
	if !found {
		return StatusOutput{Error: fmt.Sprintf("credential %q not found", in.SiteID)}, nil
	}

	entries, err := s.Audit.Entries(meta.ID)
	if err != nil {
		return StatusOutput{}, fmt.Errorf("read audit log: %w", err)
	}

	out := StatusOutput{
		SiteID:      meta.SiteID,
		ServiceType: string(meta.ServiceType),
		Active:      meta.Active,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
		AuditCount:  len(entries),
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		out.LastUsed = &LastUsed{Timestamp: last.Timestamp, Action: last.Action, Result: last.Result}
	}
	return out, nil
}

// --- login --------------------------------------------------------------

// LoginInput names the credential to drive a login with.
type LoginInput struct {
	SiteID string `json:"site_id"`
}

// LoginOutput is the response shape of spec.md §6. It never carries a
// secret value.
type LoginOutput struct {
	Status    string `json:"status"`
	PageTitle string `json:"page_title,omitempty"`
	Message   string `json:"message"`
}

// Login enforces the precondition chain of spec.md §4.4, then hands
// the decrypted recipe to the browser adapter for the duration of one
// call.
func (s *Server) Login(ctx context.Context, in LoginInput) (LoginOutput, error) {
	meta, payload, err := s.Store.Get(in.SiteID)
	if err != nil {
		if auditErr := s.auditFailure("login", in.SiteID, "credential not found"); auditErr != nil {
			return LoginOutput{}, auditErr
		}
		return LoginOutput{Status: "failure", Message: fmt.Sprintf("credential %q not found", in.SiteID)}, nil
	}
	if !meta.Active {
		if auditErr := s.auditFailure("login", meta.ID, "credential is inactive"); auditErr != nil {
			return LoginOutput{}, auditErr
		}
		return LoginOutput{Status: "failure", Message: "credential is inactive"}, nil
	}
	if meta.ServiceType != store.ServiceWebLogin {
		if auditErr := s.auditFailure("login", meta.ID, "credential is not an web_login credential"); auditErr != nil {
			return LoginOutput{}, auditErr
		}
		return LoginOutput{Status: "failure", Message: fmt.Sprintf("credential %q is not a web_login credential", in.SiteID)}, nil
	}
	if meta.LoginURL == "" || meta.Selectors == nil {
		if auditErr := s.auditFailure("login", meta.ID, "credential is missing login_url or selectors"); auditErr != nil {
			return LoginOutput{}, auditErr
		}
		return LoginOutput{Status: "failure", Message: "credential is missing login_url or selectors"}, nil
	}

	email := payload.WebLogin.Email
	password := payload.WebLogin.Password
	secrets := sanitize.SecretsForLogin(email, password)

	recipe := browser.Recipe{
		LoginURL:         meta.LoginURL,
		EmailSelector:    meta.Selectors.EmailSelector,
		PasswordSelector: meta.Selectors.PasswordSelector,
		SubmitSelector:   meta.Selectors.SubmitSelector,
	}
	result, err := s.Browser.PerformLogin(ctx, recipe, email, password)
	if err != nil {
		message := sanitize.Scrub(err.Error(), secrets...)
		if auditErr := s.auditResult("login", meta.ID, "failure", &message); auditErr != nil {
			return LoginOutput{}, auditErr
		}
		return LoginOutput{Status: "failure", Message: message}, nil
	}

	resultStatus := "failure"
	if result.Success {
		resultStatus = "success"
	}
	message := sanitize.Scrub(result.Message, secrets...)
	if auditErr := s.auditResult("login", meta.ID, resultStatus, &message); auditErr != nil {
		return LoginOutput{}, auditErr
	}

	return LoginOutput{
		Status:    resultStatus,
		PageTitle: sanitize.Scrub(result.PageTitle, secrets...),
		Message:   message,
	}, nil
}

// --- api_request --------------------------------------------------------

// APIRequestInput mirrors spec.md §4.4's api_request parameters.
type APIRequestInput struct {
	Service string            `json:"service"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// APIRequestOutput is the response shape of spec.md §6.
type APIRequestOutput struct {
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Body       string `json:"body,omitempty"`
	Message    string `json:"message,omitempty"`
}

// APIRequest enforces the precondition chain mirroring login with
// service-type api_key, then issues the outbound call with stored
// headers merged over caller headers.
func (s *Server) APIRequest(ctx context.Context, in APIRequestInput) (APIRequestOutput, error) {
	meta, payload, err := s.Store.Get(in.Service)
	if err != nil {
		if auditErr := s.auditFailure("api_request", in.Service, "credential not found"); auditErr != nil {
			return APIRequestOutput{}, auditErr
		}
		return APIRequestOutput{Status: "failure", Message: fmt.Sprintf("credential %q not found", in.Service)}, nil
	}
	if !meta.Active {
		if auditErr := s.auditFailure("api_request", meta.ID, "credential is inactive"); auditErr != nil {
			return APIRequestOutput{}, auditErr
		}
		return APIRequestOutput{Status: "failure", Message: "credential is inactive"}, nil
	}
	if meta.ServiceType != store.ServiceAPIKey {
		if auditErr := s.auditFailure("api_request", meta.ID, "credential is not an api_key credential"); auditErr != nil {
			return APIRequestOutput{}, auditErr
		}
		return APIRequestOutput{Status: "failure", Message: fmt.Sprintf("credential %q is not an api_key credential", in.Service)}, nil
	}

	secrets := sanitize.SecretsForAPIKey(payload.APIKey.APIKey, payload.APIKey.Headers)

	method := in.Method
	if method == "" {
		method = "GET"
	}

	resp, err := s.APIClient.Do(ctx, method, in.URL, []byte(in.Body), in.Headers, payload.APIKey.Headers)
	if err != nil {
		message := sanitize.Scrub(err.Error(), secrets...)
		details := fmt.Sprintf("%s %s failed: %s", method, in.URL, message)
		if auditErr := s.auditResult("api_request", meta.ID, "failure", &details); auditErr != nil {
			return APIRequestOutput{}, auditErr
		}
		return APIRequestOutput{Status: "failure", Message: message}, nil
	}

	details := fmt.Sprintf("%s %s -> %d", method, in.URL, resp.HTTPStatus)
	if auditErr := s.auditResult("api_request", meta.ID, "success", &details); auditErr != nil {
		return APIRequestOutput{}, auditErr
	}

	return APIRequestOutput{
		Status:     "success",
		HTTPStatus: resp.HTTPStatus,
		Body:       sanitize.Scrub(string(resp.Body), secrets...),
	}, nil
}

// --- add -----------------------------------------------------------------

// AddInput optionally pre-fills the entry form.
type AddInput struct {
	SiteID      string `json:"site_id,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
}

// AddOutput is the response shape of spec.md §6.
type AddOutput struct {
	Status  string `json:"status"`
	SiteID  string `json:"site_id,omitempty"`
	Message string `json:"message"`
}

const addTimeoutMessage = "no form submission arrived within the five-minute window"

// Add starts (or reuses) the Entry-Form Gateway, mints a token,
// constructs the form URL, best-effort opens it in a browser, and
// awaits the form submission or a five-minute timeout.
func (s *Server) Add(ctx context.Context, in AddInput) (AddOutput, error) {
	if err := s.Gateway.Ensure(); err != nil {
		return AddOutput{Status: "failure", Message: fmt.Sprintf("start entry-form gateway: %v", err)}, nil
	}

	token := uuid.NewString()
	ch := s.Gateway.Register(token)

	url := fmt.Sprintf("http://%s/add?token=%s", s.Gateway.Addr(), token)
	if in.SiteID != "" {
		url += "&site=" + in.SiteID
	}
	if in.ServiceType != "" {
		url += "&type=" + in.ServiceType
	}
	openBestEffort(url)
	s.Logger.Printf("add: waiting for form submission at %s", url)

	select {
	case result := <-ch:
		if result == gateway.TimeoutSentinel {
			return AddOutput{Status: "timeout", Message: addTimeoutMessage}, nil
		}
		return AddOutput{Status: "success", SiteID: result, Message: "credential saved"}, nil
	case <-ctx.Done():
		return AddOutput{Status: "timeout", Message: "add call canceled"}, nil
	case <-time.After(6 * time.Minute):
		// Defensive backstop: the gateway's own 5-minute timer should
		// always fire first and deliver the sentinel over ch.
		return AddOutput{Status: "timeout", Message: addTimeoutMessage}, nil
	}
}

// openBestEffort tries to open url in the host's default browser. A
// failure here is silently ignored: the URL is also logged, and the
// human can open it manually.
func openBestEffort(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}

func (s *Server) auditFailure(action, credentialID, reason string) error {
	return s.auditResult(action, credentialID, "failure", &reason)
}

// auditResult appends one audit entry. spec.md §4.3 treats a failed
// append as fatal: losing an audit event must not be silently
// swallowed, so the error is returned for the caller to surface
// instead of being logged and discarded.
func (s *Server) auditResult(action, credentialID, result string, details *string) error {
	if _, err := s.Audit.Append(action, credentialID, result, nil, details); err != nil {
		return fmt.Errorf("audit append failed for %s/%s: %w", action, credentialID, err)
	}
	return nil
}
