package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dceops/sentryd/internal/event"
)

func newTestEvent(t *testing.T) event.Event {
	t.Helper()
	ev, err := event.New(event.Params{
		EventType:   event.TypeSecurityMisconfiguration,
		Severity:    event.SeverityHigh,
		ContainerID: "abcdef012345",
		Source:      "test",
		Description: "test event",
	})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	return ev
}

// TestSignatureIsDeterministic implements signature-determinism: the
// same key/payload/timestamp always produces the same signature.
func TestSignatureIsDeterministic(t *testing.T) {
	d, err := New(Config{SecretKey: "0123456789abcdef"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sig1 := d.sign(d.cfg.SecretKey, []byte(`{"a":1}`), "2026-01-01T00:00:00Z")
	sig2 := d.sign(d.cfg.SecretKey, []byte(`{"a":1}`), "2026-01-01T00:00:00Z")
	if sig1 != sig2 {
		t.Errorf("expected deterministic signature, got %q vs %q", sig1, sig2)
	}
	if sig1 == "" {
		t.Error("expected non-empty signature when secret key is configured")
	}
}

func TestSignatureEmptyWithoutSecretKey(t *testing.T) {
	d, _ := New(Config{})
	if sig := d.sign(d.cfg.SecretKey, []byte("x"), "ts"); sig != "" {
		t.Errorf("expected empty signature without secret key, got %q", sig)
	}
}

func TestSendDeliversSignedWebhook(t *testing.T) {
	var gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotTS = r.Header.Get("X-Webhook-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(Config{WebhookURL: srv.URL, SecretKey: "0123456789abcdef"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Send(context.Background(), newTestEvent(t)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Errorf("expected sha256= prefixed signature header, got %q", gotSig)
	}
	if gotTS == "" {
		t.Error("expected timestamp header to be set")
	}
	if d.Stats().AlertsSent != 1 {
		t.Errorf("expected 1 alert sent, got %d", d.Stats().AlertsSent)
	}
}

func TestSendFailsFastOn4xxWithoutRetrying(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, _ := New(Config{WebhookURL: srv.URL})
	err := d.Send(context.Background(), newTestEvent(t))
	if err == nil {
		t.Fatal("expected error for 4xx response")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt on 4xx (fail fast), got %d", calls)
	}
}

func TestSendWithoutWebhookReturnsErrNoWebhook(t *testing.T) {
	d, _ := New(Config{})
	if err := d.Send(context.Background(), newTestEvent(t)); err != ErrNoWebhook {
		t.Errorf("expected ErrNoWebhook, got %v", err)
	}
}

// TestVerifyIncomingRejectsReplay implements replay-rejection.
func TestVerifyIncomingRejectsReplay(t *testing.T) {
	d, _ := New(Config{SecretKey: "0123456789abcdef"})
	payloadBytes := []byte(`{"hello":"world"}`)
	ts := time.Now().UTC().Format(time.RFC3339)
	sig := "sha256=" + d.sign(d.cfg.SecretKey, payloadBytes, ts)

	if err := d.VerifyIncoming(payloadBytes, ts, sig, ""); err != nil {
		t.Fatalf("expected first verification to succeed, got %v", err)
	}
	if err := d.VerifyIncoming(payloadBytes, ts, sig, ""); err != ErrReplay {
		t.Errorf("expected ErrReplay on reuse, got %v", err)
	}
}

// TestVerifyIncomingRejectsStaleTimestamp implements staleness-rejection.
func TestVerifyIncomingRejectsStaleTimestamp(t *testing.T) {
	d, _ := New(Config{SecretKey: "0123456789abcdef", MaxTimestampSkew: 300 * time.Second})
	payloadBytes := []byte(`{"a":1}`)
	staleTS := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	sig := "sha256=" + d.sign(d.cfg.SecretKey, payloadBytes, staleTS)

	if err := d.VerifyIncoming(payloadBytes, staleTS, sig, ""); err != ErrTimestampStale {
		t.Errorf("expected ErrTimestampStale, got %v", err)
	}
}

func TestVerifyIncomingRejectsFarFutureTimestamp(t *testing.T) {
	d, _ := New(Config{SecretKey: "0123456789abcdef"})
	payloadBytes := []byte(`{"a":1}`)
	futureTS := time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339)
	sig := "sha256=" + d.sign(d.cfg.SecretKey, payloadBytes, futureTS)

	if err := d.VerifyIncoming(payloadBytes, futureTS, sig, ""); err != ErrTimestampStale {
		t.Errorf("expected ErrTimestampStale for far-future timestamp, got %v", err)
	}
}

// TestVerifyIncomingAcceptsBackupKeyDuringRotation implements the
// key-rotation scenario: the receiver still verifies signatures minted
// with a backup key while rotating the primary secret.
func TestVerifyIncomingAcceptsBackupKeyDuringRotation(t *testing.T) {
	d, _ := New(Config{SecretKey: "new-key-0123456789", BackupSecretKey: "old-key-0123456789"})
	payloadBytes := []byte(`{"a":1}`)
	ts := time.Now().UTC().Format(time.RFC3339)

	backupSig := "sha256=" + d.sign(d.cfg.BackupSecretKey, payloadBytes, ts)
	wrongPrimarySig := "sha256=deadbeef"

	if err := d.VerifyIncoming(payloadBytes, ts, wrongPrimarySig, backupSig); err != nil {
		t.Errorf("expected backup signature to verify during rotation, got %v", err)
	}
}

func TestVerifyIncomingRejectsBadSignature(t *testing.T) {
	d, _ := New(Config{SecretKey: "0123456789abcdef"})
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := d.VerifyIncoming([]byte("x"), ts, "sha256=wrong", ""); err != ErrSignatureInvalid {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
	if d.Stats().SignatureFailures != 1 {
		t.Errorf("expected signature failure counted, got %d", d.Stats().SignatureFailures)
	}
}

func TestSendBatchBoundsConcurrency(t *testing.T) {
	var active, maxActive int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := New(Config{WebhookURL: srv.URL})
	events := make([]event.Event, 10)
	for i := range events {
		events[i] = newTestEvent(t)
	}
	sent, failed := d.SendBatch(context.Background(), events)
	if sent != 10 || failed != 0 {
		t.Errorf("expected all 10 sent, got sent=%d failed=%d", sent, failed)
	}
	if got := atomic.LoadInt32(&maxActive); got > batchConcurrency {
		t.Errorf("observed %d concurrent deliveries, want <= %d", got, batchConcurrency)
	}
}

// TestVerifyIncomingAcceptsOldPrimarySignatureDuringRotation covers the
// in-flight delivery case: the sender signed the primary header with
// the previous key before the receiver rotated, and the receiver's
// backup key still validates it.
func TestVerifyIncomingAcceptsOldPrimarySignatureDuringRotation(t *testing.T) {
	oldKey := "old-key-0123456789"
	d, _ := New(Config{SecretKey: "new-key-0123456789", BackupSecretKey: oldKey})
	payloadBytes := []byte(`{"a":1}`)
	ts := time.Now().UTC().Format(time.RFC3339)

	oldSig := "sha256=" + d.sign(oldKey, payloadBytes, ts)
	if err := d.VerifyIncoming(payloadBytes, ts, oldSig, ""); err != nil {
		t.Errorf("expected old-key primary signature to verify via backup key, got %v", err)
	}
}

// TestVerifyIncomingFailureDoesNotBurnTimestamp checks that a forged
// delivery does not consume the timestamp for the legitimate sender.
func TestVerifyIncomingFailureDoesNotBurnTimestamp(t *testing.T) {
	d, _ := New(Config{SecretKey: "0123456789abcdef"})
	payloadBytes := []byte(`{"a":1}`)
	ts := time.Now().UTC().Format(time.RFC3339)

	if err := d.VerifyIncoming(payloadBytes, ts, "sha256=forged", ""); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid for forged signature, got %v", err)
	}

	goodSig := "sha256=" + d.sign(d.cfg.SecretKey, payloadBytes, ts)
	if err := d.VerifyIncoming(payloadBytes, ts, goodSig, ""); err != nil {
		t.Errorf("expected legitimate delivery to verify after a forged attempt, got %v", err)
	}
}

func TestPayloadKeysAreSorted(t *testing.T) {
	d, _ := New(Config{SecretKey: "0123456789abcdef"})
	payloadBytes, err := d.buildPayload("2026-01-01T00:00:00Z", newTestEvent(t))
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &doc); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	// Top-level keys appear in sorted order in the raw bytes.
	iEvent := strings.Index(string(payloadBytes), `"event"`)
	iMonitor := strings.Index(string(payloadBytes), `"monitor"`)
	// The event document nests its own "timestamp"; the top-level one is
	// the last occurrence.
	iTimestamp := strings.LastIndex(string(payloadBytes), `"timestamp"`)
	if !(iEvent < iMonitor && iMonitor < iTimestamp) {
		t.Errorf("expected sorted top-level keys, got payload %s", payloadBytes)
	}

	again, err := d.buildPayload("2026-01-01T00:00:00Z", newTestEvent(t))
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if string(again) != string(payloadBytes) {
		t.Error("expected identical inputs to produce byte-identical payloads")
	}
}

func TestStatsSuccessRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := New(Config{WebhookURL: srv.URL})
	_ = d.Send(context.Background(), newTestEvent(t))
	if rate := d.Stats().SuccessRate; rate != 1.0 {
		t.Errorf("expected success rate 1.0, got %v", rate)
	}
}
