package vectorstore

import (
	"fmt"
	"time"

	"github.com/mnemo-ai/mnemo/internal/kb"
)

// payloadFrom flattens a passage into the Qdrant point payload. Everything
// needed to reconstruct the passage (and to rebuild the lexical index) goes
// in; the embedding-only context prefix included.
func payloadFrom(p kb.Passage) map[string]any {
	payload := map[string]any{
		"text":       p.Text,
		"source":     p.Source,
		"visibility": string(p.Visibility),
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.ContextPrefix != "" {
		payload["context_prefix"] = p.ContextPrefix
	}
	if p.EntryID != "" {
		payload["entry_id"] = p.EntryID
	}
	if p.OwnerID != "" {
		payload["owner_id"] = p.OwnerID
	}
	if len(p.GroupIDs) > 0 {
		payload["group_ids"] = p.GroupIDs
	}
	if p.ContentHash != "" {
		payload["content_hash"] = p.ContentHash
	}
	return payload
}

func passageFrom(pt qdrantPoint) kb.Passage {
	p := kb.Passage{
		ID:            fmt.Sprintf("%v", pt.ID),
		Text:          str(pt.Payload, "text"),
		ContextPrefix: str(pt.Payload, "context_prefix"),
		Source:        str(pt.Payload, "source"),
		EntryID:       str(pt.Payload, "entry_id"),
		OwnerID:       str(pt.Payload, "owner_id"),
		Visibility:    kb.Visibility(str(pt.Payload, "visibility")),
		ContentHash:   str(pt.Payload, "content_hash"),
	}
	if ts := str(pt.Payload, "created_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.CreatedAt = t
		}
	}
	if raw, ok := pt.Payload["group_ids"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				p.GroupIDs = append(p.GroupIDs, s)
			}
		}
	}
	return p
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// QdrantFilter renders a search filter as Qdrant filter JSON. The unbounded
// sentinel renders as nil (no filter clause at all), never as a materialized
// id list.
func QdrantFilter(f kb.Filter) map[string]any {
	if f.Unbounded {
		return nil
	}

	var must []map[string]any
	var should []map[string]any

	if f.AllowIDs != nil {
		ids := make([]string, 0, len(f.AllowIDs))
		for id := range f.AllowIDs {
			ids = append(ids, id)
		}
		must = append(must, map[string]any{"has_id": ids})
	}
	if len(f.Groups) > 0 {
		must = append(must, map[string]any{
			"key":   "group_ids",
			"match": map[string]any{"any": f.Groups},
		})
	}
	if f.PublicOnly {
		must = append(must, map[string]any{
			"key":   "visibility",
			"match": map[string]any{"value": string(kb.VisibilityPublic)},
		})
	}
	if f.OwnerID != "" || len(f.ReadableGroups) > 0 {
		should = append(should, map[string]any{
			"key":   "visibility",
			"match": map[string]any{"value": string(kb.VisibilityPublic)},
		})
		if f.OwnerID != "" {
			should = append(should, map[string]any{
				"key":   "owner_id",
				"match": map[string]any{"value": f.OwnerID},
			})
		}
		if len(f.ReadableGroups) > 0 {
			should = append(should, map[string]any{
				"key":   "group_ids",
				"match": map[string]any{"any": f.ReadableGroups},
			})
		}
	}

	if len(must) == 0 && len(should) == 0 {
		return nil
	}
	filter := map[string]any{}
	if len(must) > 0 {
		filter["must"] = must
	}
	if len(should) > 0 {
		filter["should"] = should
	}
	return filter
}
