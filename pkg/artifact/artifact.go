package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Artifact represents an immutable output produced by one backend invocation.
type Artifact struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model"`
	TaskType  string    `json:"task_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Hash      string    `json:"hash"`
}

// New creates a new Artifact with computed hash.
func New(content, backend, model, taskType string) *Artifact {
	a := &Artifact{
		ID:        uuid.NewString(),
		Content:   content,
		Backend:   backend,
		Model:     model,
		TaskType:  taskType,
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// Empty reports whether the artifact carries no content.
func (a *Artifact) Empty() bool {
	return a == nil || a.Content == ""
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Backend))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
