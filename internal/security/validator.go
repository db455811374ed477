package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidKey is returned when the API key is unknown or revoked
	ErrInvalidKey = errors.New("invalid api key")
	// ErrKeyExpired is returned when the API key is past its expiry
	ErrKeyExpired = errors.New("api key expired")
	// ErrRateLimited is returned when the request exceeds its bucket
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrForbidden is returned when the key lacks the required permission
	ErrForbidden = errors.New("permission denied")
	// ErrPayloadTooLarge is returned when the payload exceeds the size cap
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMalformedPayload is returned when the payload is not valid JSON
	ErrMalformedPayload = errors.New("malformed payload")
)

// suspicious content patterns. Matches are logged and audited but do
// not reject the request; structured payloads are never executed here.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(union\s+select|insert\s+into|drop\s+table|delete\s+from)`),
	regexp.MustCompile(`(?i)<\s*script[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)(;\s*--|'\s*or\s+'1'\s*=\s*'1)`),
}

// KeyInfo describes a registered API key. The raw key is never stored;
// only its SHA-256 hash is kept.
type KeyInfo struct {
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
}

// Request carries one operation through the validation pipeline
type Request struct {
	APIKey     string
	Operation  string
	Bucket     string
	Payload    json.RawMessage
	ClientInfo json.RawMessage
}

// Result reports the pipeline outcome for an allowed request
type Result struct {
	Identity   string
	Remaining  int
	ResetAt    time.Time
	Suspicious []string
}

// Validator runs the five-stage security pipeline: key lookup, rate
// limiting, payload validation with content scanning, permission
// check, and asynchronous audit.
type Validator struct {
	logger  *zap.Logger
	limiter *RateLimiter
	audit   *AuditTrail

	maxPayloadSize int

	mu   sync.RWMutex
	keys map[string]*KeyInfo // keyed by SHA-256 hex of the raw key
}

// NewValidator creates a validator with the given limiter and audit
// trail. The audit trail may be nil, in which case decisions are only
// logged.
func NewValidator(limiter *RateLimiter, audit *AuditTrail, maxPayloadSize int, logger *zap.Logger) *Validator {
	if maxPayloadSize <= 0 {
		maxPayloadSize = 10 << 20
	}
	return &Validator{
		logger:         logger.Named("security"),
		limiter:        limiter,
		audit:          audit,
		maxPayloadSize: maxPayloadSize,
		keys:           make(map[string]*KeyInfo),
	}
}

// CreateKey registers a new API key and returns the raw key material.
// The caller must hand the raw key to the client; it cannot be
// recovered later.
func (v *Validator) CreateKey(name string, permissions []string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	key := "rok_" + hex.EncodeToString(raw)

	info := &KeyInfo{
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now().UTC(),
	}
	if ttl > 0 {
		info.ExpiresAt = info.CreatedAt.Add(ttl)
	}

	v.mu.Lock()
	v.keys[hashKey(key)] = info
	v.mu.Unlock()

	v.logger.Info("API key created",
		zap.String("name", name),
		zap.Strings("permissions", permissions))
	return key, nil
}

// RevokeKey marks the key unusable. Returns false if the key is unknown.
func (v *Validator) RevokeKey(rawKey string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.keys[hashKey(rawKey)]
	if !ok {
		return false
	}
	info.Revoked = true
	v.logger.Info("API key revoked", zap.String("name", info.Name))
	return true
}

// KeyInfo returns metadata for a raw key, or nil if unknown
func (v *Validator) KeyInfo(rawKey string) *KeyInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	info, ok := v.keys[hashKey(rawKey)]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}

// Validate runs the full pipeline. It returns a Result when the
// request is allowed and a sentinel error otherwise. Every decision is
// recorded to the audit trail asynchronously.
func (v *Validator) Validate(req Request) (*Result, error) {
	// Stage 1: key lookup by hash
	v.mu.RLock()
	info, ok := v.keys[hashKey(req.APIKey)]
	v.mu.RUnlock()
	if !ok || info.Revoked {
		v.record(anonymize(req.APIKey), req.Operation, AuditDenied, "unknown or revoked key", req.ClientInfo)
		return nil, ErrInvalidKey
	}
	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		v.record(info.Name, req.Operation, AuditDenied, "key expired", req.ClientInfo)
		return nil, ErrKeyExpired
	}

	// Stage 2: rate limit
	bucket := req.Bucket
	if bucket == "" {
		bucket = "default"
	}
	allowed, remaining, resetAt := v.limiter.Allow(info.Name, bucket)
	if !allowed {
		v.record(info.Name, req.Operation, AuditRateLimited,
			fmt.Sprintf("bucket %s exhausted", bucket), req.ClientInfo)
		return nil, fmt.Errorf("%w: bucket %s resets at %s",
			ErrRateLimited, bucket, resetAt.UTC().Format(time.RFC3339))
	}

	// Stage 3: structural validation and content scan
	if len(req.Payload) > v.maxPayloadSize {
		v.record(info.Name, req.Operation, AuditDenied, "payload too large", req.ClientInfo)
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			ErrPayloadTooLarge, len(req.Payload), v.maxPayloadSize)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		v.record(info.Name, req.Operation, AuditDenied, "payload is not valid JSON", req.ClientInfo)
		return nil, ErrMalformedPayload
	}
	suspicious := scanPayload(req.Payload)
	if len(suspicious) > 0 {
		// Log-only: flagged content never blocks, since payloads are
		// data here, not executed queries or markup.
		v.logger.Warn("Suspicious content in payload",
			zap.String("identity", info.Name),
			zap.String("operation", req.Operation),
			zap.Strings("patterns", suspicious))
		v.record(info.Name, req.Operation, AuditSuspicious,
			strings.Join(suspicious, "; "), req.ClientInfo)
	}

	// Stage 4: permission check
	if !hasPermission(info.Permissions, req.Operation) {
		v.record(info.Name, req.Operation, AuditDenied, "missing permission", req.ClientInfo)
		return nil, fmt.Errorf("%w: operation %s", ErrForbidden, req.Operation)
	}

	// Stage 5: async audit of the allowed request
	v.record(info.Name, req.Operation, AuditAllowed, "", req.ClientInfo)

	return &Result{
		Identity:   info.Name,
		Remaining:  remaining,
		ResetAt:    resetAt,
		Suspicious: suspicious,
	}, nil
}

func (v *Validator) record(identity, operation, outcome, reason string, clientInfo json.RawMessage) {
	if v.audit == nil {
		return
	}
	v.audit.Record(AuditEntry{
		Identity:   identity,
		Operation:  operation,
		Outcome:    outcome,
		Reason:     reason,
		ClientInfo: clientInfo,
	})
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// anonymize keeps only a short prefix so denied attempts are traceable
// without logging full key material
func anonymize(raw string) string {
	if len(raw) <= 8 {
		return "key:" + raw
	}
	return "key:" + raw[:8] + "..."
}

func scanPayload(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var hits []string
	for _, p := range suspiciousPatterns {
		if p.Match(payload) {
			hits = append(hits, p.String())
		}
	}
	return hits
}

// hasPermission checks permission strings of the form "resource:action".
// A "*" grants everything; "resource:*" grants all actions on a resource.
func hasPermission(granted []string, operation string) bool {
	for _, p := range granted {
		if p == "*" || p == operation {
			return true
		}
		if strings.HasSuffix(p, ":*") &&
			strings.HasPrefix(operation, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
