package compliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

func readAuditLines(t *testing.T, path string) []auditEvent {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var events []auditEvent
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e auditEvent
		if err := json.Unmarshal(line, &e); err != nil {
			t.Fatalf("unmarshal audit line: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	return out
}

func TestCheckDisabledAlwaysAllows(t *testing.T) {
	g := Disabled()
	if err := g.Check(context.Background(), "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"); err != nil {
		t.Fatalf("expected disabled gate to allow, got %v", err)
	}
}

func TestCheckDenyListHit(t *testing.T) {
	denied := "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"
	g := &Gate{enabled: true, denyList: []string{denied}, provider: ProviderLists}

	err := g.Check(context.Background(), denied)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeComplianceFailed {
		t.Fatalf("expected compliance_failed, got %v", err)
	}
}

func TestCheckAllowListMiss(t *testing.T) {
	allowed := "0x1111111111111111111111111111111111111111"
	other := "0x2222222222222222222222222222222222222222"
	g := &Gate{enabled: true, allowList: []string{allowed}, provider: ProviderLists}

	if err := g.Check(context.Background(), allowed); err != nil {
		t.Fatalf("expected allow-listed address to pass, got %v", err)
	}
	err := g.Check(context.Background(), other)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeComplianceFailed {
		t.Fatalf("expected compliance_failed for allow-list miss, got %v", err)
	}
}

func TestCheckNormalizesAddressCase(t *testing.T) {
	denied := "0xDeadDeadDeadDeadDeadDeadDeadDeadDeadDead"
	g := &Gate{enabled: true, denyList: []string{"0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"}, provider: ProviderLists}

	if err := g.Check(context.Background(), denied); err == nil {
		t.Fatalf("expected case-insensitive deny-list match to deny")
	}
}

func TestCheckInvalidAddressFormat(t *testing.T) {
	g := &Gate{enabled: true, provider: ProviderLists}
	err := g.Check(context.Background(), "not-an-address")
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeComplianceFailed {
		t.Fatalf("expected compliance_failed for invalid address, got %v", err)
	}
}

func TestCheckWritesOneAuditLinePerCall(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	denied := "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"
	g := &Gate{enabled: true, denyList: []string{denied}, provider: ProviderLists, auditLogPath: logPath}

	_ = g.Check(context.Background(), denied)
	_ = g.Check(context.Background(), "0x3333333333333333333333333333333333333333")

	events := readAuditLines(t, logPath)
	if len(events) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(events))
	}
	if events[0].Outcome != "denied" {
		t.Fatalf("expected first line denied, got %s", events[0].Outcome)
	}
	if events[1].Outcome != "allowed" {
		t.Fatalf("expected second line allowed, got %s", events[1].Outcome)
	}
}

func TestCheckChainalysisDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "test-key" {
			t.Fatalf("expected api key header to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"riskLevel":"high"}`))
	}))
	defer server.Close()

	g := &Gate{
		enabled:  true,
		provider: ProviderChainalysis,
		chainalysis: &chainalysisConfig{
			restURL:    server.URL,
			apiKey:     "test-key",
			blockedStatus: "BLOCKED",
			timeout:    2_000_000_000,
			failClosed: true,
			client:     server.Client(),
		},
	}

	err := g.Check(context.Background(), "0x1111111111111111111111111111111111111111")
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeComplianceFailed {
		t.Fatalf("expected compliance_failed for high risk level, got %v", err)
	}
}

func TestCheckChainalysisAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sanctions":"clear"}`))
	}))
	defer server.Close()

	g := &Gate{
		enabled:  true,
		provider: ProviderChainalysis,
		chainalysis: &chainalysisConfig{
			restURL:    server.URL,
			apiKey:     "test-key",
			blockedStatus: "BLOCKED",
			timeout:    2_000_000_000,
			failClosed: true,
			client:     server.Client(),
		},
	}

	if err := g.Check(context.Background(), "0x1111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("expected clear sanctions status to pass, got %v", err)
	}
}

func TestCheckChainalysisUnknownFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unrelated":"field"}`))
	}))
	defer server.Close()

	g := &Gate{
		enabled:  true,
		provider: ProviderChainalysis,
		chainalysis: &chainalysisConfig{
			restURL:    server.URL,
			apiKey:     "test-key",
			blockedStatus: "BLOCKED",
			timeout:    2_000_000_000,
			failClosed: true,
			client:     server.Client(),
		},
	}

	err := g.Check(context.Background(), "0x1111111111111111111111111111111111111111")
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeComplianceFailed {
		t.Fatalf("expected compliance_failed on unresolved screening with fail_closed, got %v", err)
	}
}

func TestCheckChainalysisUnknownFailsOpenWhenConfigured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unrelated":"field"}`))
	}))
	defer server.Close()

	g := &Gate{
		enabled:  true,
		provider: ProviderChainalysis,
		chainalysis: &chainalysisConfig{
			restURL:    server.URL,
			apiKey:     "test-key",
			blockedStatus: "BLOCKED",
			timeout:    2_000_000_000,
			failClosed: false,
			client:     server.Client(),
		},
	}

	if err := g.Check(context.Background(), "0x1111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("expected fail_closed=false to allow on unknown status, got %v", err)
	}
}

func TestParseAddressListFromFile(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "deny.json")
	if err := os.WriteFile(listPath, []byte(`["0xDeadDeadDeadDeadDeadDeadDeadDeadDeadDead"]`), 0o644); err != nil {
		t.Fatalf("write list file: %v", err)
	}

	t.Setenv("COMPLIANCE_TEST_DENY_LIST", "@"+listPath)
	addrs, err := parseAddressList("COMPLIANCE_TEST_DENY_LIST")
	if err != nil {
		t.Fatalf("parse address list file: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead" {
		t.Fatalf("unexpected parsed list: %v", addrs)
	}
}

func TestParseAddressListFromFileRejectsBadSchema(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "deny.json")
	if err := os.WriteFile(listPath, []byte(`["not-an-address"]`), 0o644); err != nil {
		t.Fatalf("write list file: %v", err)
	}

	t.Setenv("COMPLIANCE_TEST_DENY_LIST_2", "@"+listPath)
	if _, err := parseAddressList("COMPLIANCE_TEST_DENY_LIST_2"); err == nil {
		t.Fatalf("expected schema validation failure for malformed address")
	}
}

func TestValidateConnectionRecordsAudit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	g := &Gate{enabled: true, provider: ProviderLists, auditLogPath: logPath}

	g.ValidateConnection("0x1111111111111111111111111111111111111111", "wallet connect", "", "test-agent", nil)

	events := readAuditLines(t, logPath)
	if len(events) != 1 || events[0].EventType != "connection" || events[0].Outcome != "accepted" {
		t.Fatalf("unexpected connection audit event: %+v", events)
	}
}
