// Package compliance screens addresses against a deny/allow list and an
// optional remote sanctions-screening provider before any RPC cost is paid,
// and records an append-only audit trail of every decision.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

// Provider selects how Gate resolves a party beyond the deny/allow lists.
type Provider string

const (
	ProviderLists       Provider = "lists"
	ProviderChainalysis Provider = "chainalysis"
)

// chainalysisConfig holds the remote screening endpoint's settings.
type chainalysisConfig struct {
	restURL       string
	apiKey        string
	blockedStatus string
	timeout       time.Duration
	failClosed    bool
	client        *http.Client
}

// Gate is the Compliance Gate (C9): it normalizes addresses, enforces
// deny/allow lists, optionally defers to a remote screening provider, and
// emits one audit record per check.
type Gate struct {
	enabled      bool
	denyList     []string
	allowList    []string
	provider     Provider
	chainalysis  *chainalysisConfig
	auditLogPath string

	mu sync.Mutex // serializes audit-log appends
}

// partyRecord mirrors one entry of a ComplianceAuditEvent's parties array.
type partyRecord struct {
	Role     string `json:"role"`
	Address  string `json:"address"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Reason   string `json:"reason,omitempty"`
}

// auditEvent is one append-only JSON line of the compliance audit log.
type auditEvent struct {
	ID          string      `json:"id"`
	EventType   string      `json:"eventType"`
	RequestType string      `json:"requestType"`
	TimestampMs int64       `json:"timestampMs"`
	Outcome     string      `json:"outcome"`
	Provider    string      `json:"provider"`
	Payer       string      `json:"payer,omitempty"`
	Payee       string      `json:"payee,omitempty"`
	Wallet      string      `json:"wallet,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Parties     []partyRecord `json:"parties,omitempty"`
	Metadata    interface{} `json:"metadata,omitempty"`
}

type partyFailure struct {
	party partyRecord
	err   error
}

// Disabled returns a Gate that allows every address and never queries a
// remote provider; useful for local development and the zero-value default.
func Disabled() *Gate {
	return &Gate{enabled: false, provider: ProviderLists}
}

// NewFromEnv builds a Gate from the COMPLIANCE_* / CHAINALYSIS_* environment
// variables documented in spec.md §6.
func NewFromEnv() (*Gate, error) {
	enabled := parseBool(getenvDefault("COMPLIANCE_SCREENING_ENABLED", "true"))

	denyList, err := parseAddressList("COMPLIANCE_DENY_LIST")
	if err != nil {
		return nil, err
	}
	allowList, err := parseAddressList("COMPLIANCE_ALLOW_LIST")
	if err != nil {
		return nil, err
	}

	if enabled {
		for _, addr := range denyList {
			if !isValidAddress(addr) {
				return nil, fmt.Errorf("COMPLIANCE_DENY_LIST contains an invalid address format")
			}
		}
		for _, addr := range allowList {
			if !isValidAddress(addr) {
				return nil, fmt.Errorf("COMPLIANCE_ALLOW_LIST contains an invalid address format")
			}
		}
	}

	provider := ProviderLists
	var chain *chainalysisConfig
	if strings.ToLower(getenvDefault("COMPLIANCE_PROVIDER", "chainalysis")) == "chainalysis" {
		provider = ProviderChainalysis
		chain, err = chainalysisFromEnv()
		if err != nil {
			return nil, err
		}
	}

	auditLogPath := strings.TrimSpace(os.Getenv("COMPLIANCE_AUDIT_LOG"))

	return &Gate{
		enabled:      enabled,
		denyList:     denyList,
		allowList:    allowList,
		provider:     provider,
		chainalysis:  chain,
		auditLogPath: auditLogPath,
	}, nil
}

func chainalysisFromEnv() (*chainalysisConfig, error) {
	apiKey := os.Getenv("CHAINALYSIS_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("CHAINALYSIS_API_KEY is required when COMPLIANCE_PROVIDER=chainalysis")
	}
	restURL := getenvDefault("CHAINALYSIS_REST_URL", "https://public.chainalysis.com/api/v1/address")
	blockedStatus := getenvDefault("COMPLIANCE_BLOCKED_STATUS", "BLOCKED")
	timeoutMs := 1500
	if raw := os.Getenv("COMPLIANCE_TIMEOUT_MS"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			timeoutMs = parsed
		}
	}
	failClosed := parseBool(getenvDefault("COMPLIANCE_FAIL_CLOSED", "true"))

	return &chainalysisConfig{
		restURL:       restURL,
		apiKey:        apiKey,
		blockedStatus: blockedStatus,
		timeout:       time.Duration(timeoutMs) * time.Millisecond,
		failClosed:    failClosed,
		client:        &http.Client{},
	}, nil
}

// Enabled reports whether screening is active.
func (g *Gate) Enabled() bool { return g.enabled }

func (g *Gate) providerName() string { return string(g.provider) }

// Check screens a single address, satisfying the narrow ComplianceGate
// interface the scheme registry dispatches through. The registry calls it
// once per party it needs screened — the payer on both verify and settle,
// and again for the payee on settle — so each call records exactly one
// "compliance_check" audit event for that one party.
func (g *Gate) Check(ctx context.Context, address string) error {
	if !g.enabled {
		g.recordAudit(auditEvent{
			ID:          uuid.NewString(),
			EventType:   "compliance_check",
			RequestType: "request",
			TimestampMs: nowMs(),
			Outcome:     "disabled",
			Provider:    g.providerName(),
			Payer:       strings.ToLower(address),
			Reason:      "compliance disabled",
		})
		return nil
	}

	normalized, ok := normalizeAddress(address)
	if !ok {
		err := x402.ComplianceFailed("address has an invalid address format")
		g.recordAudit(auditEvent{
			ID:          uuid.NewString(),
			EventType:   "compliance_check",
			RequestType: "request",
			TimestampMs: nowMs(),
			Outcome:     "denied",
			Provider:    g.providerName(),
			Payer:       strings.ToLower(address),
			Reason:      err.Error(),
		})
		return err
	}

	record, failure := g.validateParty(ctx, "party", normalized)
	if failure != nil {
		g.recordAudit(auditEvent{
			ID:          uuid.NewString(),
			EventType:   "compliance_check",
			RequestType: "request",
			TimestampMs: nowMs(),
			Outcome:     "denied",
			Provider:    g.providerName(),
			Payer:       normalized,
			Reason:      failure.err.Error(),
			Parties:     []partyRecord{failure.party},
		})
		return failure.err
	}

	g.recordAudit(auditEvent{
		ID:          uuid.NewString(),
		EventType:   "compliance_check",
		RequestType: "request",
		TimestampMs: nowMs(),
		Outcome:     "allowed",
		Provider:    g.providerName(),
		Payer:       normalized,
		Parties:     []partyRecord{record},
	})
	return nil
}

// ValidateConnection records a standalone wallet-identification check,
// independent of any payment request (the "connection" audit event from
// compliance.rs's log_connection). It never denies a connection; it only
// normalizes the address and notes whether normalization succeeded.
func (g *Gate) ValidateConnection(wallet, reason, source, userAgent string, metadata map[string]interface{}) {
	normalized, ok := normalizeAddress(wallet)
	outcome := "accepted"
	if !ok {
		outcome = "invalid_address"
	}

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if source == "" {
		source = "wallet_client"
	}
	metadata["source"] = source
	metadata["provider"] = g.providerName()
	if ok {
		metadata["normalizedAddress"] = normalized
	}

	g.recordAudit(auditEvent{
		ID:          uuid.NewString(),
		EventType:   "connection",
		RequestType: "connect",
		TimestampMs: nowMs(),
		Outcome:     outcome,
		Provider:    g.providerName(),
		Payer:       normalized,
		Wallet:      wallet,
		UserAgent:   userAgent,
		Reason:      reason,
		Metadata:    metadata,
	})
}

// validateParty runs the deny/allow list checks, then (if a remote provider
// is configured) the remote screening query, for one already-normalized
// address. A non-nil *partyFailure return always carries the primary return
// value as its zero partyRecord.
func (g *Gate) validateParty(ctx context.Context, role, address string) (partyRecord, *partyFailure) {
	for _, denied := range g.denyList {
		if denied == address {
			party := partyRecord{Role: role, Address: address, Status: "denied", Provider: g.providerName(), Reason: "address is explicitly denied"}
			return partyRecord{}, &partyFailure{party: party, err: x402.ComplianceFailed(fmt.Sprintf("%s is denied by compliance policy: %s", role, address))}
		}
	}

	if len(g.allowList) > 0 {
		allowed := false
		for _, a := range g.allowList {
			if a == address {
				allowed = true
				break
			}
		}
		if !allowed {
			party := partyRecord{Role: role, Address: address, Status: "denied", Provider: g.providerName(), Reason: "address is not in compliance allow-list"}
			return partyRecord{}, &partyFailure{party: party, err: x402.ComplianceFailed(fmt.Sprintf("%s is not in compliance allow-list: %s", role, address))}
		}
	}

	switch g.provider {
	case ProviderChainalysis:
		result, reason, err := queryChainalysis(ctx, address, g.chainalysis)
		if err != nil {
			party := partyRecord{Role: role, Address: address, Status: "unknown", Provider: g.providerName(), Reason: fmt.Sprintf("chainalysis query failed: %v", err)}
			return partyRecord{}, &partyFailure{party: party, err: x402.ComplianceFailed(fmt.Sprintf("%s screening failed: %v", role, err))}
		}
		switch result {
		case chainalysisAllowed:
			return partyRecord{Role: role, Address: address, Status: "passed", Provider: g.providerName(), Reason: "chainalysis clear"}, nil
		case chainalysisDenied:
			party := partyRecord{Role: role, Address: address, Status: "denied", Provider: g.providerName(), Reason: reason}
			return partyRecord{}, &partyFailure{party: party, err: x402.ComplianceFailed(fmt.Sprintf("%s failed provider screening: %s", role, reason))}
		default: // chainalysisUnknown
			if g.chainalysis.failClosed {
				party := partyRecord{Role: role, Address: address, Status: "denied", Provider: g.providerName(), Reason: reason}
				return partyRecord{}, &partyFailure{party: party, err: x402.ComplianceFailed(fmt.Sprintf("%s screening result unresolved: %s", role, reason))}
			}
			return partyRecord{Role: role, Address: address, Status: "warn", Provider: g.providerName(), Reason: reason}, nil
		}
	default: // ProviderLists
		return partyRecord{Role: role, Address: address, Status: "passed", Provider: g.providerName()}, nil
	}
}

type chainalysisResult int

const (
	chainalysisAllowed chainalysisResult = iota
	chainalysisDenied
	chainalysisUnknown
)

// queryChainalysis calls the configured remote screening endpoint and maps
// its JSON body to an allow/deny/unknown verdict.
func queryChainalysis(ctx context.Context, address string, cfg *chainalysisConfig) (chainalysisResult, string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	url := strings.TrimRight(cfg.restURL, "/") + "/" + address
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return chainalysisUnknown, "", err
	}
	req.Header.Set("X-API-KEY", cfg.apiKey)

	resp, err := cfg.client.Do(req)
	if err != nil {
		return chainalysisUnknown, "", fmt.Errorf("chainalysis request failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if resp.StatusCode != http.StatusOK {
		return chainalysisUnknown, "", fmt.Errorf("chainalysis returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return chainalysisUnknown, "", fmt.Errorf("invalid JSON from chainalysis: %w", err)
	}

	sanctioned, ok := extractSanctionsStatus(body, cfg.blockedStatus)
	if !ok {
		return chainalysisUnknown, "unrecognized chainalysis response format", nil
	}
	if sanctioned {
		return chainalysisDenied, "status matches blocked policy", nil
	}
	return chainalysisAllowed, "", nil
}

// extractSanctionsStatus maps a chainalysis-shaped JSON body to a
// sanctioned/clear verdict via a handful of documented heuristics, trying
// each field in order and falling through to the next when absent.
func extractSanctionsStatus(body map[string]interface{}, blockedStatus string) (bool, bool) {
	blocked := strings.ToLower(blockedStatus)

	if status, ok := body["sanctions"].(string); ok {
		status = strings.ToLower(strings.TrimSpace(status))
		if status == blocked {
			return true, true
		}
		if status == "clear" || status == "not_blocked" || status == "allowed" {
			return false, true
		}
	}

	if isSanctioned, ok := body["is_sanctioned"].(bool); ok {
		return isSanctioned, true
	}

	if status, ok := body["status"].(string); ok {
		status = strings.ToLower(strings.TrimSpace(status))
		if status == blocked {
			return true, true
		}
		if status == "clear" || status == "not_blocked" || status == "allowed" {
			return false, true
		}
	}

	if riskLevel, ok := body["riskLevel"].(string); ok {
		switch strings.ToLower(riskLevel) {
		case "high", "critical":
			return true, true
		case "low":
			return false, true
		}
	}

	if identifications, ok := body["identifications"].([]interface{}); ok {
		return len(identifications) > 0, true
	}

	return false, false
}

// recordAudit appends one JSON line to the configured audit log; a missing
// path is a silent no-op (audit logging is opt-in).
func (g *Gate) recordAudit(event auditEvent) {
	if g.auditLogPath == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if dir := filepath.Dir(g.auditLogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "compliance: failed to create audit log directory %s: %v\n", dir, err)
			return
		}
	}

	serialized, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compliance: failed to serialize audit event: %v\n", err)
		return
	}

	f, err := os.OpenFile(g.auditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compliance: failed to open audit log %s: %v\n", g.auditLogPath, err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(serialized, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "compliance: failed to write audit record to %s: %v\n", g.auditLogPath, err)
	}
}

var addressListSchema = gojsonschema.NewStringLoader(`{
	"type": "array",
	"items": {"type": "string", "pattern": "^(?i)0x[0-9a-f]{40}$"}
}`)

// parseAddressList reads an env var as either a comma-separated address list
// or, when its value starts with "@", a path to a JSON array of addresses
// (validated against addressListSchema before use).
func parseAddressList(key string) ([]string, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "@") {
		return parseAddressListFile(key, strings.TrimPrefix(raw, "@"))
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		normalized, ok := normalizeAddress(part)
		if !ok {
			continue
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parseAddressListFile(key, path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read address list file %s: %w", key, path, err)
	}

	result, err := gojsonschema.Validate(addressListSchema, gojsonschema.NewBytesLoader(contents))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid JSON in %s: %w", key, path, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%s: %s does not match the address-list schema: %v", key, path, result.Errors())
	}

	var addresses []string
	if err := json.Unmarshal(contents, &addresses); err != nil {
		return nil, fmt.Errorf("%s: failed to decode %s: %w", key, path, err)
	}

	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		normalized, ok := normalizeAddress(addr)
		if !ok {
			return nil, fmt.Errorf("%s: %s contains an invalid address format: %s", key, path, addr)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func normalizeAddress(address string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if strings.HasPrefix(normalized, "0x") && len(normalized) == 42 {
		if isValidAddress(normalized) {
			return normalized, true
		}
		return "", false
	}
	if len(normalized) == 40 && isHex(normalized) {
		return "0x" + normalized, true
	}
	return "", false
}

func isValidAddress(address string) bool {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if len(normalized) != 42 || !strings.HasPrefix(normalized, "0x") {
		return false
	}
	return isHex(normalized[2:])
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y", "on", "enabled":
		return true
	default:
		return false
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func nowMs() int64 { return time.Now().UnixMilli() }
