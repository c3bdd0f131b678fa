package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns an identity of the form {platform}_{yyyymmdd}_{8-hex-random}.
// The date prefix keeps IDs roughly sortable when reading logs.
func NewID(p Platform, now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	var b strings.Builder
	b.Grow(len(p.String()) + 18)
	b.WriteString(p.String())
	b.WriteByte('_')
	b.WriteString(now.UTC().Format("20060102"))
	b.WriteByte('_')
	b.WriteString(hex[:8])
	return b.String()
}

// EnsureID returns t unchanged if it already has an ID, else a copy with a new one.
func EnsureID(t Task, p Platform, now time.Time) Task {
	if strings.TrimSpace(t.ID) != "" {
		return t
	}
	return t.WithTaskID(NewID(p, now))
}
