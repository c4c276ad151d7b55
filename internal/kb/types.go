// Package kb holds the shared data model of the knowledge base core:
// passages, knowledge entries, groups, and the search filter capability
// consumed by both the vector store and the lexical index.
package kb

import "time"

// Visibility of a passage or knowledge entry.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Passage is the atomic retrieval unit. Text is what the user sees;
// EmbedText() is what gets encoded.
type Passage struct {
	ID            string     `json:"passage_id"`
	Text          string     `json:"text"`
	ContextPrefix string     `json:"context_prefix,omitempty"`
	Source        string     `json:"source"`
	EntryID       string     `json:"entry_id,omitempty"`
	OwnerID       string     `json:"owner_id,omitempty"`
	Visibility    Visibility `json:"visibility"`
	GroupIDs      []string   `json:"group_ids,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ContentHash   string     `json:"content_hash,omitempty"`
}

// EmbedText returns the text used for embedding: the optional context
// prefix followed by the chunk content. The prefix is never displayed.
func (p Passage) EmbedText() string {
	if p.ContextPrefix == "" {
		return p.Text
	}
	return p.ContextPrefix + "\n" + p.Text
}

// KnowledgeEntry is a logical document; one entry produces one or more
// passages sharing owner, visibility and groups.
type KnowledgeEntry struct {
	ID         string     `json:"entry_id"`
	Title      string     `json:"title"`
	OwnerID    string     `json:"owner_id,omitempty"`
	Visibility Visibility `json:"visibility"`
	GroupIDs   []string   `json:"group_ids,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Group is a named passage collection with per-principal grants.
type Group struct {
	ID      string
	Name    string
	OwnerID string
	Shares  map[string]Permission // principal id -> permission
}

// Permission granted on a group.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Hit is a scored passage returned by a search channel or the retriever.
type Hit struct {
	Passage Passage `json:"passage"`
	Score   float64 `json:"score"`
}
