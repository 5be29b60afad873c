// Package alert delivers HMAC-signed, replay-resistant webhook alerts
// with bounded retry, and validates inbound webhook callbacks with the
// same keys.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dceops/sentryd/internal/event"
)

const (
	monitorVersion        = "1.0.0"
	userAgentPrefix       = "ContainerMonitor/"
	replayFutureTolerance = 30 * time.Second
	timestampCleanupEvery = 10 * time.Minute
	maxRetryAttempts      = 3
	retryBaseDelay        = 2 * time.Second
	retryMaxDelay         = 10 * time.Second
	batchConcurrency      = 5
)

// Sentinel errors surfaced by verification and delivery.
var (
	ErrSignatureInvalid = errors.New("alert: signature invalid")
	ErrReplay           = errors.New("alert: timestamp already used")
	ErrTimestampStale   = errors.New("alert: timestamp outside valid window")
	ErrNoWebhook        = errors.New("alert: no webhook configured")
	// ErrAlertTransport wraps a delivery failure: a non-retryable (4xx)
	// response, or a retryable failure that persisted through every
	// attempt. Counted and logged, never fatal to the monitor loop.
	ErrAlertTransport = errors.New("alert: delivery failed after retries")
)

// Config configures a Dispatcher.
type Config struct {
	WebhookURL       string
	SecretKey        string
	BackupSecretKey  string
	TimeoutSeconds   int
	CertPinFile      string
	MaxTimestampSkew time.Duration // default 300s
	Logger           *zap.Logger   // default zap.NewNop()
}

func (c Config) withDefaults() Config {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.MaxTimestampSkew <= 0 {
		c.MaxTimestampSkew = 300 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Dispatcher sends HMAC-signed alert payloads to a configured webhook,
// retrying transient failures with exponential backoff and defending
// against replayed deliveries on the verification path.
type Dispatcher struct {
	cfg        Config
	log        *zap.Logger
	instanceID string
	client     *http.Client

	mu              sync.Mutex
	usedTimestamps  map[string]time.Time
	lastCleanup     time.Time
	alertsSent      int
	alertsFailed    int
	signatureFails  int
	certPinFailures int

	sem *semaphore.Weighted
}

// New constructs a Dispatcher. It never fails on a missing webhook URL;
// Send returns ErrNoWebhook instead, so a deployment without alerting
// configured still monitors normally.
func New(cfg Config) (*Dispatcher, error) {
	cfg = cfg.withDefaults()

	tlsCfg, certPinFailed := buildTLSConfig(cfg.CertPinFile)
	client := &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}

	d := &Dispatcher{
		cfg:            cfg,
		log:            cfg.Logger,
		instanceID:     uuid.NewString(),
		client:         client,
		usedTimestamps: make(map[string]time.Time),
		lastCleanup:    time.Now(),
		sem:            semaphore.NewWeighted(batchConcurrency),
	}
	if certPinFailed {
		d.certPinFailures++
		d.log.Warn("pinned certificate could not be loaded, falling back to system roots",
			zap.String("cert_pin_file", cfg.CertPinFile))
	}
	return d, nil
}

// buildTLSConfig enforces TLS 1.2 minimum and a conservative cipher
// allowlist, and loads a pinned certificate as the only trust root when
// configured.
func buildTLSConfig(certPinFile string) (*tls.Config, bool) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
	if certPinFile == "" {
		return cfg, false
	}
	pem, err := os.ReadFile(certPinFile)
	if err != nil {
		return cfg, true
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return cfg, true
	}
	cfg.RootCAs = pool
	return cfg, false
}

// buildPayload produces the alert envelope {timestamp, event, monitor}
// as a map so json.Marshal emits keys in sorted order — the signing
// bytes are exactly the bytes sent, and two processes given the same
// inputs produce byte-identical payloads.
func (d *Dispatcher) buildPayload(ts string, ev event.Event) ([]byte, error) {
	af := ev.ToAlertFormat()
	eventDoc := map[string]any{
		"severity":    af.Severity,
		"event_type":  af.EventType,
		"container":   af.Container,
		"source":      af.Source,
		"description": af.Description,
		"timestamp":   af.Timestamp,
		"remediation": af.Remediation,
	}
	return json.Marshal(map[string]any{
		"timestamp": ts,
		"event":     eventDoc,
		"monitor": map[string]any{
			"version":  monitorVersion,
			"instance": d.instanceID,
		},
	})
}

// Send delivers a single event as a signed webhook call, retrying
// transport errors and 5xx responses up to maxRetryAttempts times with
// exponential backoff. 4xx responses fail without retrying.
func (d *Dispatcher) Send(ctx context.Context, ev event.Event) error {
	if d.cfg.WebhookURL == "" {
		return ErrNoWebhook
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	payloadBytes, err := d.buildPayload(ts, ev)
	if err != nil {
		return fmt.Errorf("alert: marshal payload: %w", err)
	}

	signature := d.sign(d.cfg.SecretKey, payloadBytes, ts)
	backupSig := ""
	if d.cfg.BackupSecretKey != "" {
		backupSig = d.sign(d.cfg.BackupSecretKey, payloadBytes, ts)
	}

	attempts, lastErr := d.sendWithRetry(ctx, payloadBytes, ts, signature, backupSig)
	if lastErr == nil {
		d.mu.Lock()
		d.alertsSent++
		d.mu.Unlock()
		return nil
	}
	d.mu.Lock()
	d.alertsFailed++
	d.mu.Unlock()
	return fmt.Errorf("%w: %d attempts: %v", ErrAlertTransport, attempts, lastErr)
}

// sendWithRetry returns the number of delivery attempts made and the
// last error, if any.
func (d *Dispatcher) sendWithRetry(ctx context.Context, payloadBytes []byte, ts, signature, backupSig string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		err := d.deliver(ctx, payloadBytes, ts, signature, backupSig)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return attempt + 1, lastErr
		}
		if attempt == maxRetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}
	return maxRetryAttempts, lastErr
}

type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned status %d", e.status) }

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return true // transport-level errors are always retried
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func (d *Dispatcher) deliver(ctx context.Context, payloadBytes []byte, ts, signature, backupSig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)
	if backupSig != "" {
		req.Header.Set("X-Webhook-Signature-Backup", "sha256="+backupSig)
	}
	req.Header.Set("User-Agent", userAgentPrefix+monitorVersion)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

// sign computes hex(HMAC-SHA256(key, "<timestamp>.<payload>")).
func (d *Dispatcher) sign(key string, payloadBytes []byte, ts string) string {
	if key == "" {
		return ""
	}
	message := ts + "." + string(payloadBytes)
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// SendBatch sends every event concurrently, bounded to batchConcurrency
// in flight, and returns aggregate success/failure counts. Delivery
// order of individual alerts is not guaranteed.
func (d *Dispatcher) SendBatch(ctx context.Context, events []event.Event) (sent, failed int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, ev := range events {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(ev event.Event) {
			defer wg.Done()
			defer d.sem.Release(1)
			err := d.Send(ctx, ev)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				sent++
			}
			mu.Unlock()
		}(ev)
	}
	wg.Wait()
	return sent, failed
}

// VerifyIncoming checks a received webhook delivery's signature and
// replay-defense timestamp. The primary key is tried first; during a
// key-rotation window the backup key is also tried, both against the
// primary signature (a sender still signing with the old key) and
// against the dedicated backup signature header. The timestamp is only
// recorded as used once the delivery fully verifies, so a forged
// delivery cannot burn a timestamp a legitimate sender has yet to use.
func (d *Dispatcher) VerifyIncoming(payloadBytes []byte, ts, signature, backupSignature string) error {
	if err := d.checkTimestamp(ts); err != nil {
		return err
	}

	if err := d.checkSignatures(payloadBytes, ts, signature, backupSignature); err != nil {
		d.mu.Lock()
		d.signatureFails++
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.usedTimestamps[ts] = time.Now()
	d.cleanupOldTimestampsLocked()
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) checkSignatures(payloadBytes []byte, ts, signature, backupSignature string) error {
	if d.cfg.SecretKey == "" && d.cfg.BackupSecretKey == "" {
		return ErrSignatureInvalid
	}
	if d.cfg.SecretKey != "" {
		expected := "sha256=" + d.sign(d.cfg.SecretKey, payloadBytes, ts)
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	if d.cfg.BackupSecretKey != "" {
		expectedBackup := "sha256=" + d.sign(d.cfg.BackupSecretKey, payloadBytes, ts)
		if hmac.Equal([]byte(signature), []byte(expectedBackup)) {
			d.log.Info("delivery verified with backup key; sender has not rotated yet")
			return nil
		}
		if backupSignature != "" && hmac.Equal([]byte(backupSignature), []byte(expectedBackup)) {
			d.log.Info("delivery verified with backup signature header")
			return nil
		}
	}
	return ErrSignatureInvalid
}

// checkTimestamp rejects previously seen timestamps and timestamps
// whose offset from now falls outside [-MaxTimestampSkew,
// +replayFutureTolerance]. It does not mark the timestamp used; that
// happens only once the whole delivery verifies.
func (d *Dispatcher) checkTimestamp(ts string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.usedTimestamps[ts]; seen {
		return ErrReplay
	}

	eventTime, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("alert: %w: %v", ErrTimestampStale, err)
	}
	age := time.Since(eventTime)
	if age < -replayFutureTolerance || age > d.cfg.MaxTimestampSkew {
		return ErrTimestampStale
	}
	return nil
}

// cleanupOldTimestampsLocked prunes entries older than
// MaxTimestampSkew+300s, at most once per timestampCleanupEvery, to
// bound the replay cache's memory growth. Caller holds d.mu.
func (d *Dispatcher) cleanupOldTimestampsLocked() {
	if time.Since(d.lastCleanup) < timestampCleanupEvery {
		return
	}
	cutoff := time.Now().Add(-(d.cfg.MaxTimestampSkew + 5*time.Minute))
	for ts, seenAt := range d.usedTimestamps {
		if seenAt.Before(cutoff) {
			delete(d.usedTimestamps, ts)
		}
	}
	d.lastCleanup = time.Now()
}

// Stats is an observable snapshot of dispatcher counters.
type Stats struct {
	AlertsSent         int
	AlertsFailed       int
	SignatureFailures  int
	CertPinFailures    int
	SuccessRate        float64
	TimestampCacheSize int
	KeyRotationEnabled bool
	CertPinningEnabled bool
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := d.alertsSent + d.alertsFailed
	rate := 0.0
	if total > 0 {
		rate = float64(d.alertsSent) / float64(total)
	}
	return Stats{
		AlertsSent:         d.alertsSent,
		AlertsFailed:       d.alertsFailed,
		SignatureFailures:  d.signatureFails,
		CertPinFailures:    d.certPinFailures,
		SuccessRate:        rate,
		TimestampCacheSize: len(d.usedTimestamps),
		KeyRotationEnabled: d.cfg.BackupSecretKey != "",
		CertPinningEnabled: d.cfg.CertPinFile != "",
	}
}
