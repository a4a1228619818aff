package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Document is one node of a user's knowledge base. ParentID links
// documents into a tree; archived documents stay in the tree until
// hard-deleted.
type Document struct {
	ID                string
	OwnerID           string
	Title             string
	Icon              string
	CoverImage        string
	ParentID          *string
	IsArchived        bool
	IsPublished       bool
	ShareEnabled      bool
	ShareToken        string
	SharePermission   string
	ShareExpiresAt    *time.Time
	Tags              []string
	LastAutoVersionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Block is one ordered content unit of a document. Position is an array
// index: for a given document, positions listed ascending are unique.
// Version is an informational counter, not a concurrency guard.
type Block struct {
	ID         string
	DocumentID string
	Type       string
	Content    string
	Props      string
	Position   int
	Version    int
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BlockSnapshot is the identity-free copy of a block stored inside a
// DocumentVersion: no block id, no version counter.
type BlockSnapshot struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Props    string `json:"props"`
	Position int    `json:"position"`
}

// DocumentVersion is an immutable point-in-time snapshot of a document's
// metadata and full block list. Never mutated after insert.
type DocumentVersion struct {
	ID          string
	DocumentID  string
	CreatedBy   string
	Title       string
	Icon        string
	CoverImage  string
	Tags        []string
	Blocks      []BlockSnapshot
	Description string
	CreatedAt   time.Time
}

type Comment struct {
	ID         string
	DocumentID string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

// UserPreferences carries the per-user retention policy consulted by the
// version manager and the sweep. Defaults apply when no row exists.
type UserPreferences struct {
	UserID                string
	HistoryEnabled        bool
	AutoVersionIntervalMs int
	HistoryMaxVersions    int
	HistoryRetentionDays  int
	NotifyOnRestore       bool
	UpdatedAt             time.Time
}

const (
	DefaultAutoVersionIntervalMs = 60000
	DefaultHistoryMaxVersions    = 50
	DefaultHistoryRetentionDays  = 90
)

// DefaultPreferences is the policy used for users without a stored row.
func DefaultPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:                userID,
		HistoryEnabled:        true,
		AutoVersionIntervalMs: DefaultAutoVersionIntervalMs,
		HistoryMaxVersions:    DefaultHistoryMaxVersions,
		HistoryRetentionDays:  DefaultHistoryRetentionDays,
	}
}
