// Package ticket holds download tickets: short-lived, single-use handles that
// bind a file manifest to a later archive redemption.
package ticket

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jacktea/scistore/pkg/hierarchy"
)

// DefaultTTL bounds how long an unredeemed ticket stays valid.
const DefaultTTL = time.Minute

// Entry is one file of a manifest.
type Entry struct {
	ArchivePath string            `json:"archive_path"`
	File        hierarchy.FileRef `json:"file"`
	// Chain lists the source containers from the root down to the owner.
	Chain []hierarchy.Ref `json:"chain,omitempty"`
}

// Manifest is the flat, ordered file list of a ticket. FileCount and
// TotalSize are a creation-time snapshot.
type Manifest struct {
	Entries   []Entry `json:"entries"`
	FileCount int     `json:"file_count"`
	TotalSize int64   `json:"total_size"`
}

// Add appends e and updates the aggregates.
func (m *Manifest) Add(e Entry) {
	m.Entries = append(m.Entries, e)
	m.FileCount++
	m.TotalSize += e.File.Size
}

// Ticket binds a manifest to a redemption.
type Ticket struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal,omitempty"`
	ClientIP  string    `json:"ip,omitempty"`
	Filename  string    `json:"filename"`
	Format    string    `json:"format,omitempty"`
	Optional  bool      `json:"optional"`
	Manifest  Manifest  `json:"manifest"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
}

// Expired reports whether t is past its expiry at now.
func (t *Ticket) Expired(now time.Time) bool {
	return !t.Expires.IsZero() && !now.Before(t.Expires)
}

// NewID returns a random, unguessable ticket id.
func NewID() string {
	return uuid.NewString()
}

// Store keeps tickets until they are taken or expire. Get and Take fail with
// KindNotFound for unknown, expired or already taken tickets.
type Store interface {
	Put(ctx context.Context, t *Ticket) error
	// Get returns the ticket without consuming it.
	Get(ctx context.Context, id string) (*Ticket, error)
	// Take atomically returns and removes the ticket. Concurrent Takes of the
	// same id succeed at most once.
	Take(ctx context.Context, id string) (*Ticket, error)
}

// Purger is implemented by stores that need expired tickets removed.
type Purger interface {
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}
