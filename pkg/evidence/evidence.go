// Package evidence journals completed requests to disk.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidID rejects request ids that cannot name a directory.
	ErrInvalidID = errors.New("invalid request ID")
	// ErrDuplicateID rejects a request id that is already journaled.
	ErrDuplicateID = errors.New("request ID already journaled")
)

// Record captures one request and its outcome.
type Record struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	TaskType       string          `json:"task_type"`
	Confidence     float64         `json:"confidence"`
	Override       bool            `json:"override,omitempty"`
	PreferredModel string          `json:"preferred_model,omitempty"`
	Chain          []string        `json:"chain"`
	Notes          []string        `json:"notes,omitempty"`
	PromptRef      string          `json:"prompt_ref,omitempty"`
	PromptHash     string          `json:"prompt_hash,omitempty"`
	Success        bool            `json:"success"`
	Model          string          `json:"model,omitempty"`
	QualityScore   float64         `json:"quality_score,omitempty"`
	BelowThreshold bool            `json:"below_threshold,omitempty"`
	ContentRef     string          `json:"content_ref,omitempty"`
	ContentHash    string          `json:"content_hash,omitempty"`
	Attempts       []AttemptRecord `json:"attempts"`
	TotalTokens    int             `json:"total_tokens,omitempty"`
	CostUSD        float64         `json:"cost_usd,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
}

// AttemptRecord captures one backend call.
type AttemptRecord struct {
	Model          string  `json:"model"`
	Status         string  `json:"status"`
	Score          float64 `json:"quality_score,omitempty"`
	Error          string  `json:"error,omitempty"`
	DurationMillis int64   `json:"duration_ms"`
}

// Writer writes request records under baseDir/<request id>/.
type Writer struct {
	baseDir string
	mu      sync.Mutex
}

// NewWriter creates a writer rooted at baseDir.
func NewWriter(baseDir string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir}, nil
}

// Dir returns the directory holding a request's files.
func (w *Writer) Dir(requestID string) string {
	return filepath.Join(w.baseDir, requestID)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Reserve claims the directory for requestID before the request runs.
// It fails with ErrDuplicateID when the id is already taken.
func (w *Writer) Reserve(requestID string) error {
	if err := validateID(requestID); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.Mkdir(w.Dir(requestID), 0700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %q", ErrDuplicateID, requestID)
		}
		return err
	}
	return nil
}

// Write stores prompt and content as blobs and the record as request.json.
// The blob refs and hashes on rec are filled in.
func (w *Writer) Write(rec *Record, prompt, content string) error {
	if rec == nil {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if err := validateID(rec.ID); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := w.Dir(rec.ID)
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0700); err != nil {
		return err
	}

	ref, sum, err := writeBlob(dir, "prompt", []byte(prompt))
	if err != nil {
		return fmt.Errorf("write prompt blob: %w", err)
	}
	rec.PromptRef, rec.PromptHash = ref, sum

	if content != "" {
		ref, sum, err := writeBlob(dir, "content", []byte(content))
		if err != nil {
			return fmt.Errorf("write content blob: %w", err)
		}
		rec.ContentRef, rec.ContentHash = ref, sum
	}
	if rec.Attempts == nil {
		rec.Attempts = []AttemptRecord{}
	}
	return writeJSON(filepath.Join(dir, "request.json"), rec)
}

// Read loads a stored record.
func (w *Writer) Read(requestID string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(w.Dir(requestID), "request.json"))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeBlob stores data as blobs/<kind>-<sha256>.txt and returns the ref
// relative to dir. Writing identical content twice is a no-op.
func writeBlob(dir, kind string, data []byte) (string, string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	ref := filepath.ToSlash(filepath.Join("blobs", fmt.Sprintf("%s-%s.txt", sanitizeKind(kind), hash)))
	path := filepath.Join(dir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, hash, nil
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", "", err
	}
	return ref, hash, nil
}

func sanitizeKind(kind string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(kind) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "blob"
	}
	return sb.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
