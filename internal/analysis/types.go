// Package analysis is the typed client for the remote classification
// services: prompt/text analysis, file/malware scanning, audit event
// submission, and the health probe. It owns bearer-credential attachment,
// base-URL configuration, and the request timeout. It never decides
// anything: verdict interpretation and fail-closed policy live in the
// engine.
package analysis

import (
	"errors"
	"fmt"
)

// RiskLevel reported by the remote classifier.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
	RiskError  RiskLevel = "error"
)

// normalizeRisk maps backend risk spellings onto the RiskLevel enum.
// Backends report "safe" for clean payloads.
func normalizeRisk(s string) RiskLevel {
	switch s {
	case "", "safe", "none":
		return RiskNone
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high", "critical":
		return RiskHigh
	default:
		return RiskError
	}
}

// PIIFindings reports personal data detected in a payload.
type PIIFindings struct {
	Detected bool     `json:"detected"`
	Types    []string `json:"types,omitempty"`
}

// Verdict is the normalized outcome of one analysis request. Produced
// exactly once per request and immutable after creation.
type Verdict struct {
	Safe        bool
	RiskLevel   RiskLevel
	Reasons     []string
	BlockReason string
	PII         *PIIFindings

	// BlockRequested is the backend's explicit shouldBlock flag.
	BlockRequested bool

	// File-scan fields.
	FileHash       string
	DetectionCount int
	TotalEngines   int
}

// ShouldBlock reports whether the verdict itself demands a block: the
// backend's explicit shouldBlock flag, an unsafe verdict, threat-level
// risk, any malicious/suspicious detection from the malware engine, or
// detected PII.
func (v *Verdict) ShouldBlock() bool {
	if v == nil {
		return true
	}
	if v.BlockRequested || !v.Safe {
		return true
	}
	if v.RiskLevel == RiskHigh || v.RiskLevel == RiskError {
		return true
	}
	if v.DetectionCount > 0 {
		return true
	}
	if v.PII != nil && v.PII.Detected {
		return true
	}
	return false
}

// FailureKind classifies why an analysis call could not produce a usable
// verdict. Every kind resolves to BLOCK at the engine; the kind only
// drives logging and user messaging.
type FailureKind string

const (
	FailureUnreachable FailureKind = "unreachable"  // network-level failure
	FailureTimeout     FailureKind = "timeout"      // no response within deadline
	FailureProtocol    FailureKind = "protocol"     // non-2xx status
	FailureMalformed   FailureKind = "malformed"    // body absent or unparsable
	FailureAuth        FailureKind = "auth"         // credential missing or rejected
	FailurePollTimeout FailureKind = "poll-timeout" // scan stayed queued past the retry budget
	FailureCancelled   FailureKind = "cancelled"    // scan abandoned by the caller
)

// Message returns the short human-readable reason surfaced on BLOCK.
func (k FailureKind) Message() string {
	switch k {
	case FailureUnreachable:
		return "backend unreachable"
	case FailureTimeout:
		return "analysis timed out"
	case FailureProtocol:
		return "backend returned an error"
	case FailureMalformed:
		return "backend response unreadable"
	case FailureAuth:
		return "authentication required"
	case FailurePollTimeout:
		return "scan did not complete in time"
	case FailureCancelled:
		return "scan cancelled"
	default:
		return "analysis failed"
	}
}

// ClassificationError is a failed analysis call with its taxonomy kind.
type ClassificationError struct {
	Kind FailureKind
	Err  error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("analysis failed: %s", e.Kind)
	}
	return fmt.Sprintf("analysis failed (%s): %v", e.Kind, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an analysis error. Unrecognized
// errors count as unreachable, the broadest fail-closed class.
func KindOf(err error) FailureKind {
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailureUnreachable
}

func failure(kind FailureKind, err error) *ClassificationError {
	return &ClassificationError{Kind: kind, Err: err}
}
