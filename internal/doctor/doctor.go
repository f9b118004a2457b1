// Package doctor runs the preflight checks behind `deepresearch doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/deep-research/internal/config"
	"github.com/basket/deep-research/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. A nil cfg skips the checks that need
// one.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkLLMKey,
		checkSearchKey,
		checkDatabase,
		checkPermissions,
		checkBindAddr,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	msg := fmt.Sprintf("Loaded from %s", cfg.HomeDir)
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err != nil {
		msg = fmt.Sprintf("No config.yaml in %s, using defaults", cfg.HomeDir)
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: msg,
		Detail:  fmt.Sprintf("fingerprint=%s max_concurrent=%d max_turns=%d", cfg.Fingerprint(), cfg.MaxConcurrentResearch, cfg.MaxTurns),
	}
}

var llmKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func checkLLMKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "LLM Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "scripted" {
		return CheckResult{Name: "LLM Key", Status: StatusPass, Message: "Scripted engine needs no key"}
	}
	if cfg.APIKey(provider) != "" {
		return CheckResult{Name: "LLM Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	envVar, ok := llmKeyEnv[provider]
	if !ok {
		return CheckResult{Name: "LLM Key", Status: StatusWarn, Message: fmt.Sprintf("No api_keys.%s entry for provider %q", provider, provider)}
	}
	return CheckResult{
		Name:    "LLM Key",
		Status:  StatusFail,
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("Set %s or api_keys.%s in config.yaml", envVar, provider),
	}
}

func checkSearchKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Search Key", Status: StatusSkip, Message: "Config missing"}
	}
	var have []string
	for _, p := range []string{"tavily", "brave"} {
		if cfg.APIKey(p) != "" {
			have = append(have, p)
		}
	}
	if len(have) == 0 {
		return CheckResult{
			Name:    "Search Key",
			Status:  StatusWarn,
			Message: "No search provider key; web_search will return errors",
			Detail:  "Set TAVILY_API_KEY or BRAVE_API_KEY",
		}
	}
	status := StatusPass
	msg := fmt.Sprintf("Available: %s", strings.Join(have, ", "))
	if cfg.APIKey(cfg.Search.Provider) == "" {
		status = StatusWarn
		msg += fmt.Sprintf(" (preferred %s has no key)", cfg.Search.Provider)
	}
	return CheckResult{Name: "Search Key", Status: status, Message: msg}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.JobCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s jobs=%d running=%d", cfg.DBPath(), total, counts[persistence.JobRunning]),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkBindAddr warns when something already listens on the configured
// address; that is expected while the daemon itself is running.
func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
			Detail:  "Fine if the daemon is already running; otherwise change bind_addr or PORT",
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

var providerHosts = map[string]string{
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
	"google":    "generativelanguage.googleapis.com",
	"tavily":    "api.tavily.com",
	"brave":     "api.search.brave.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	var hosts []string
	if h, ok := providerHosts[strings.ToLower(cfg.LLM.Provider)]; ok {
		hosts = append(hosts, h)
	}
	if h, ok := providerHosts[strings.ToLower(cfg.Search.Provider)]; ok {
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No remote providers configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details []string
	start := time.Now()
	for _, host := range hosts {
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		if err != nil {
			return CheckResult{
				Name:    "Network",
				Status:  StatusFail,
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
				Detail:  fmt.Sprintf("latency=%dms", time.Since(start).Milliseconds()),
			}
		}
		details = append(details, fmt.Sprintf("%s=%d", host, len(addrs)))
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %d hosts (%dms)", len(hosts), time.Since(start).Milliseconds()),
		Detail:  strings.Join(details, " "),
	}
}
