// Package evidence persists assessment results as tamper-evident evidence
// objects. Each object is a JSON envelope carrying the payload, its SHA-256
// digest and an optional HS256 attestation over the digest, compressed with
// zstd and handed to a storage backend.
//
// Storing evidence is best-effort from the caller's point of view: the
// orchestrator logs failures and carries on.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/metrics"
)

// ErrDigestMismatch is returned when an envelope's payload does not match
// its recorded digest.
var ErrDigestMismatch = errors.New("evidence digest mismatch")

// Envelope is the stored form of one piece of evidence.
type Envelope struct {
	ID          string            `json:"id"`
	ScanType    string            `json:"scan_type"`
	CreatedAt   time.Time         `json:"created_at"`
	Context     map[string]string `json:"context,omitempty"`
	Digest      string            `json:"digest"`
	Attestation string            `json:"attestation,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
}

// Object is what a backend persists.
type Object struct {
	Key       string
	ScanType  string
	Digest    string
	CreatedAt time.Time
	Body      []byte
	Meta      map[string]string
}

// Backend writes evidence objects and returns their URI.
type Backend interface {
	Name() string
	Put(ctx context.Context, obj Object) (string, error)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSigningKey enables HS256 attestations with key.
func WithSigningKey(key []byte) Option {
	return func(r *Recorder) { r.key = key }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder builds envelopes and writes them to a backend.
type Recorder struct {
	backend Backend
	key     []byte
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder returns a Recorder writing to b.
func NewRecorder(b Backend, opts ...Option) *Recorder {
	r := &Recorder{
		backend: b,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("evidence")
	return r
}

// StoreScanResults serializes payload into an envelope and stores it.
func (r *Recorder) StoreScanResults(ctx context.Context, scanType string, payload interface{}, meta map[string]string) (string, error) {
	env, err := r.seal(scanType, payload, meta)
	if err != nil {
		return "", err
	}
	body, err := Encode(env)
	if err != nil {
		return "", err
	}

	obj := Object{
		Key:       path.Join(scanType, env.CreatedAt.Format("2006/01/02"), env.ID+".json.zst"),
		ScanType:  scanType,
		Digest:    env.Digest,
		CreatedAt: env.CreatedAt,
		Body:      body,
		Meta:      meta,
	}
	uri, err := r.backend.Put(ctx, obj)
	metrics.RecordEvidenceWrite(r.backend.Name(), err == nil)
	if err != nil {
		return "", fmt.Errorf("storing evidence in %s: %w", r.backend.Name(), err)
	}
	r.logger.Debug("evidence written",
		zap.String("backend", r.backend.Name()),
		zap.String("uri", uri),
		zap.Int("bytes", len(body)),
	)
	return uri, nil
}

func (r *Recorder) seal(scanType string, payload interface{}, meta map[string]string) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling evidence payload: %w", err)
	}
	env := &Envelope{
		ID:        uuid.NewString(),
		ScanType:  scanType,
		CreatedAt: r.now(),
		Context:   meta,
		Digest:    digest(data),
		Payload:   data,
	}
	if len(r.key) > 0 {
		env.Attestation, err = attest(env, r.key)
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

// Encode renders env as compressed JSON.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling evidence envelope: %w", err)
	}
	return compress(data)
}

// Open decodes a stored object and checks its digest. When key is set the
// attestation is verified as well; an envelope without attestation is then
// rejected.
func Open(body, key []byte) (*Envelope, error) {
	data, err := decompress(body)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing evidence envelope: %w", err)
	}
	if digest(env.Payload) != env.Digest {
		return nil, ErrDigestMismatch
	}
	if len(key) > 0 {
		if err := verify(&env, key); err != nil {
			return nil, err
		}
	}
	return &env, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
