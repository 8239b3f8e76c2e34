// Command vault-mcp is the credential broker: a local MCP server
// backed by an encrypted credential store and a hash-chained audit
// log, plus a small CLI for offline administration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"silexa/vault-mcp/internal/apiclient"
	"silexa/vault-mcp/internal/audit"
	"silexa/vault-mcp/internal/browser"
	"silexa/vault-mcp/internal/gateway"
	"silexa/vault-mcp/internal/masterkey"
	"silexa/vault-mcp/internal/mcptools"
	"silexa/vault-mcp/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "vault-mcp ", log.LstdFlags|log.LUTC)

	if len(os.Args) < 2 {
		usage(logger)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(logger, os.Args[2:])
	case "dashboard":
		runDashboard(logger, os.Args[2:])
	case "add":
		runAdd(logger, os.Args[2:])
	case "list":
		runList(logger, os.Args[2:])
	case "remove":
		runRemove(logger, os.Args[2:])
	case "audit":
		runAudit(logger, os.Args[2:])
	default:
		usage(logger)
		os.Exit(1)
	}
}

func usage(logger *log.Logger) {
	logger.Printf("usage: vault-mcp <serve|dashboard|add|list|remove|audit> [flags]")
}

func dataDir() string {
	if v := strings.TrimSpace(os.Getenv("VAULT_DATA_DIR")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vault-mcp"
	}
	return filepath.Join(home, ".vault-mcp")
}

func openStore(dir string) (*store.Store, error) {
	key, err := masterkey.Obtain(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve master key: %w", err)
	}
	return store.Open(dir, key)
}

func openAudit(dir string) (*audit.Log, error) {
	return audit.Open(filepath.Join(dir, "audit.jsonl"))
}

// --- serve ------------------------------------------------------------

func runServe(logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", envOr("ADDR", ":8733"), "address for the MCP HTTP transport")
	gatewayAddr := fs.String("gateway-addr", envOr("VAULT_GATEWAY_ADDR", "127.0.0.1:9900"), "address for the entry-form gateway")
	_ = fs.Parse(args)

	dir := dataDir()
	st, err := openStore(dir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	auditLog, err := openAudit(dir)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}
	gw := gateway.New(*gatewayAddr, st, auditLog)

	adapter := resolveBrowserAdapter()

	srv := &mcptools.Server{
		Store:     st,
		Audit:     auditLog,
		Gateway:   gw,
		APIClient: apiclient.New(15 * time.Second),
		Browser:   adapter,
		Logger:    logger,
	}

	impl := &mcp.Implementation{
		Name:    "vault-mcp",
		Title:   "Local Credential Broker",
		Version: "0.1.0",
	}
	mcpServer := mcp.NewServer(impl, &mcp.ServerOptions{HasTools: true})

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "list",
		Description: "List the metadata (site_id, service_type, active) of every stored credential. Never returns secret values.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in mcptools.ListInput) (*mcp.CallToolResult, mcptools.ListOutput, error) {
		out, err := srv.List(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "status",
		Description: "Return a credential's metadata plus its audit history summary.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in mcptools.StatusInput) (*mcp.CallToolResult, mcptools.StatusOutput, error) {
		out, err := srv.Status(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "login",
		Description: "Drive a web login with a stored credential via the browser adapter. Never returns the password or email.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in mcptools.LoginInput) (*mcp.CallToolResult, mcptools.LoginOutput, error) {
		out, err := srv.Login(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "api_request",
		Description: "Issue an outbound HTTP request with a stored API key's headers merged in. Never returns the key or header values.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in mcptools.APIRequestInput) (*mcp.CallToolResult, mcptools.APIRequestOutput, error) {
		out, err := srv.APIRequest(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "add",
		Description: "Open a local form for a human to enter a new credential's secret directly; the bot never sees the value.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in mcptools.AddInput) (*mcp.CallToolResult, mcptools.AddOutput, error) {
		out, err := srv.Add(ctx, in)
		return nil, out, err
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	logger.Printf("listening on %s (data dir %s)", *addr, dir)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

func resolveBrowserAdapter() browser.Adapter {
	cdpURL := envOr("VAULT_CDP_URL", "http://localhost:9222")
	resp, err := http.Get(cdpURL + "/json/version")
	if err != nil {
		return browser.NopAdapter{}
	}
	_ = resp.Body.Close()
	return browser.NewCDPAdapter(cdpURL)
}

// --- dashboard ----------------------------------------------------------

func runDashboard(logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	port := fs.Int("port", 9900, "port for the entry-form gateway")
	_ = fs.Parse(args)

	dir := dataDir()
	st, err := openStore(dir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	auditLog, err := openAudit(dir)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}

	gw := gateway.New(fmt.Sprintf("127.0.0.1:%d", *port), st, auditLog)
	if err := gw.Ensure(); err != nil {
		logger.Fatalf("start gateway: %v", err)
	}
	logger.Printf("dashboard listening on %s — open http://%s/add in a browser", gw.Addr(), gw.Addr())
	select {}
}

// --- list ---------------------------------------------------------------

func runList(logger *log.Logger, _ []string) {
	dir := dataDir()
	st, err := openStore(dir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	metas := st.List()
	if len(metas) == 0 {
		fmt.Println("no credentials stored")
		return
	}
	fmt.Printf("%-24s %-12s %-8s %s\n", "SITE_ID", "TYPE", "ACTIVE", "UPDATED_AT")
	for _, m := range metas {
		fmt.Printf("%-24s %-12s %-8v %s\n", m.SiteID, m.ServiceType, m.Active, m.UpdatedAt)
	}
}

// --- remove ---------------------------------------------------------------

func runRemove(logger *log.Logger, args []string) {
	if len(args) != 1 {
		logger.Fatalf("usage: vault-mcp remove <site_id>")
	}
	dir := dataDir()
	st, err := openStore(dir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	auditLog, err := openAudit(dir)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}
	meta, _, err := st.Get(args[0])
	if err != nil {
		logger.Fatalf("no such credential: %s", args[0])
	}
	ok, err := st.Remove(args[0])
	if err != nil {
		logger.Fatalf("remove: %v", err)
	}
	if !ok {
		logger.Fatalf("no such credential: %s", args[0])
	}
	details := fmt.Sprintf("credential %s removed via CLI", args[0])
	if _, err := auditLog.Append("credential.removed", meta.ID, "success", nil, &details); err != nil {
		logger.Fatalf("audit append: %v", err)
	}
	fmt.Printf("removed %s\n", args[0])
}

// --- add (CLI convenience) ------------------------------------------------

func runAdd(logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	port := fs.Int("gateway-port", 9900, "port for the entry-form gateway")
	site := fs.String("site", "", "pre-fill the form's site_id")
	serviceType := fs.String("type", "", "pre-fill the form's service_type")
	_ = fs.Parse(args)

	dir := dataDir()
	st, err := openStore(dir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	auditLog, err := openAudit(dir)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}
	gw := gateway.New(fmt.Sprintf("127.0.0.1:%d", *port), st, auditLog)

	srv := &mcptools.Server{Store: st, Audit: auditLog, Gateway: gw, Logger: logger, APIClient: apiclient.New(15 * time.Second), Browser: browser.NopAdapter{}}
	out, err := srv.Add(context.Background(), mcptools.AddInput{SiteID: *site, ServiceType: *serviceType})
	if err != nil {
		logger.Fatalf("add: %v", err)
	}
	fmt.Printf("%s: %s\n", out.Status, out.Message)
	if out.Status != "success" {
		os.Exit(1)
	}
}

// --- audit ---------------------------------------------------------------

func runAudit(logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	verify := fs.Bool("verify", false, "verify the hash chain instead of printing entries")
	_ = fs.Parse(args)
	siteID := ""
	if fs.NArg() > 0 {
		siteID = fs.Arg(0)
	}

	dir := dataDir()
	auditLog, err := openAudit(dir)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}

	if *verify {
		result, err := auditLog.VerifyChain()
		if err != nil {
			logger.Fatalf("verify chain: %v", err)
		}
		if result.Valid {
			fmt.Printf("chain valid: %d entries\n", result.Total)
			return
		}
		fmt.Printf("chain BROKEN at entry %d of %d\n", result.BrokenAt, result.Total)
		os.Exit(1)
	}

	credentialID := siteID
	if siteID != "" {
		st, err := openStore(dir)
		if err == nil {
			if meta, _, getErr := st.Get(siteID); getErr == nil {
				credentialID = meta.ID
			}
		}
	}

	entries, err := auditLog.Entries(credentialID)
	if err != nil {
		logger.Fatalf("read audit log: %v", err)
	}
	for _, e := range entries {
		fmt.Printf("%s %-12s %-8s %s\n", e.Timestamp, e.Action, e.Result, e.CredentialID)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
