// Package event defines the uniform security-event record shared by every
// detection source in sentryd: the engine adapter's inspection predicates,
// the host metrics sampler, and the file watcher.
package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// ErrValidation wraps every construction-time invariant violation New
// reports. A construction failure is fatal only to the event being
// built, never to the caller's process.
var ErrValidation = errors.New("event: validation failed")

// Type is the closed set of security event categories.
type Type string

const (
	TypeSecurityMisconfiguration Type = "security_misconfiguration"
	TypeNetworkAnomaly           Type = "network_anomaly"
	TypeResourceAnomaly          Type = "resource_anomaly"
	TypeSuspiciousProcess        Type = "suspicious_process"
	TypeFileSystemChange         Type = "file_system_change"
)

func (t Type) valid() bool {
	switch t {
	case TypeSecurityMisconfiguration, TypeNetworkAnomaly, TypeResourceAnomaly,
		TypeSuspiciousProcess, TypeFileSystemChange:
		return true
	default:
		return false
	}
}

// Severity is an ordered event severity level.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity parses the string form used on the wire and in config.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("event: unknown severity %q", s)
	}
}

// Detail is a tagged-variant value for Event.Details: a string, number,
// bool, nested map, or an opaque pre-serialized JSON fragment. The source
// system's dictionary is dynamically typed; Go models that as a sum type
// instead of interface{} so callers can switch on Kind exhaustively.
type Detail struct {
	Kind  DetailKind
	Str   string
	Num   float64
	Bool  bool
	Map   map[string]Detail
	Raw   []byte // opaque pre-serialized JSON, used verbatim when Kind == DetailRaw
}

// DetailKind identifies which field of Detail is populated.
type DetailKind int

const (
	DetailString DetailKind = iota
	DetailNumber
	DetailBool
	DetailNested
	DetailRaw
)

func String(s string) Detail            { return Detail{Kind: DetailString, Str: s} }
func Number(n float64) Detail           { return Detail{Kind: DetailNumber, Num: n} }
func Bool(b bool) Detail                { return Detail{Kind: DetailBool, Bool: b} }
func Nested(m map[string]Detail) Detail { return Detail{Kind: DetailNested, Map: m} }
func RawJSON(b []byte) Detail           { return Detail{Kind: DetailRaw, Raw: b} }

// sensitiveKeyPattern rejects Details keys that look like they carry
// secrets. This is a key-only check; SensitiveKeyMatcher is overridable
// for callers who want a values-aware variant without changing the
// Event constructor signature.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|api_key|secret|token)`)

// SensitiveKeyMatcher reports whether a Details key should be rejected.
// Exposed as a package variable so it can be swapped (e.g. in tests, or
// by a future values-aware implementation) without touching New's
// signature.
var SensitiveKeyMatcher = func(key string) bool {
	return sensitiveKeyPattern.MatchString(key)
}

const maxDescriptionLen = 1000

// Event is an immutable record of one observed security-relevant fact.
type Event struct {
	Timestamp     time.Time
	EventType     Type
	Severity      Severity
	ContainerID   string
	ContainerName string
	Source        string
	Description   string
	Details       map[string]Detail
	Remediation   string
}

// Params are the inputs to New. Timestamp defaults to time.Now().UTC()
// when zero.
type Params struct {
	Timestamp     time.Time
	EventType     Type
	Severity      Severity
	ContainerID   string
	ContainerName string
	Source        string
	Description   string
	Details       map[string]Detail
	Remediation   string
}

// New constructs a validated Event. Escalation is monotonic: the
// returned Severity is never lower than p.Severity, and is raised to
// Critical for qualifying security_misconfiguration events regardless
// of the requested level.
func New(p Params) (Event, error) {
	if !p.EventType.valid() {
		return Event{}, fmt.Errorf("%w: invalid event_type %q", ErrValidation, p.EventType)
	}
	if p.ContainerID != "" && len(p.ContainerID) < 12 {
		return Event{}, fmt.Errorf("%w: container_id must be >= 12 characters, got %d", ErrValidation, len(p.ContainerID))
	}
	if err := validateContainerName(p.ContainerName); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for key := range p.Details {
		if SensitiveKeyMatcher(key) {
			return Event{}, fmt.Errorf("%w: details key %q looks sensitive and is rejected", ErrValidation, key)
		}
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	desc := p.Description
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen]
	}

	sev := p.Severity
	if p.EventType == TypeSecurityMisconfiguration && indicatesCriticalMisconfig(p.Details) {
		sev = maxSeverity(sev, SeverityCritical)
	}

	return Event{
		Timestamp:     ts,
		EventType:     p.EventType,
		Severity:      sev,
		ContainerID:   p.ContainerID,
		ContainerName: p.ContainerName,
		Source:        p.Source,
		Description:   desc,
		Details:       p.Details,
		Remediation:   p.Remediation,
	}, nil
}

func maxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

// indicatesCriticalMisconfig reports whether Details indicates a
// privileged container, a host container-socket mount, or host-network
// mode. Any one of the three escalates the event.
func indicatesCriticalMisconfig(details map[string]Detail) bool {
	if d, ok := details["privileged"]; ok && d.Kind == DetailBool && d.Bool {
		return true
	}
	if d, ok := details["host_network"]; ok && d.Kind == DetailBool && d.Bool {
		return true
	}
	for _, d := range details {
		if d.Kind == DetailString && strings.Contains(d.Str, "docker.sock") {
			return true
		}
		if d.Kind == DetailNested && indicatesCriticalMisconfig(d.Map) {
			return true
		}
	}
	return false
}

func validateContainerName(name string) error {
	if name == "" {
		return nil
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("event: container_name %q contains path-traversal sequences", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("event: container_name contains a control byte")
		}
	}
	return nil
}

// ShouldAlert reports whether this event must be forwarded to the alert
// dispatcher.
func (e Event) ShouldAlert() bool {
	return e.Severity == SeverityHigh || e.Severity == SeverityCritical
}

// AlertFormat is the wire projection embedded in the webhook payload.
type AlertFormat struct {
	Severity    string  `json:"severity"`
	EventType   string  `json:"event_type"`
	Container   string  `json:"container"`
	Source      string  `json:"source"`
	Description string  `json:"description"`
	Timestamp   string  `json:"timestamp"`
	Remediation *string `json:"remediation"`
}

// ToAlertFormat projects the event into the sanitized webhook shape. No
// raw error, internal state, or unvalidated field ever crosses this
// boundary unaltered.
func (e Event) ToAlertFormat() AlertFormat {
	container := e.ContainerName
	if container == "" {
		container = "host"
	}
	var remediation *string
	if e.Remediation != "" {
		r := e.Remediation
		remediation = &r
	}
	return AlertFormat{
		Severity:    e.Severity.String(),
		EventType:   string(e.EventType),
		Container:   container,
		Source:      e.Source,
		Description: e.Description,
		Timestamp:   e.Timestamp.Format(time.RFC3339),
		Remediation: remediation,
	}
}
