package app

import (
	"time"

	"notebase/api/internal/store"
)

// Response shaping. Store rows go out as camelCase JSON objects so the
// wire format stays stable even when the row structs change.

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func documentPayload(doc store.Document) map[string]any {
	payload := map[string]any{
		"id":           doc.ID,
		"ownerId":      doc.OwnerID,
		"title":        doc.Title,
		"icon":         doc.Icon,
		"coverImage":   doc.CoverImage,
		"parentId":     doc.ParentID,
		"isArchived":   doc.IsArchived,
		"isPublished":  doc.IsPublished,
		"shareEnabled": doc.ShareEnabled,
		"tags":         tagsOrEmpty(doc.Tags),
		"createdAt":    doc.CreatedAt.Format(time.RFC3339),
		"updatedAt":    doc.UpdatedAt.Format(time.RFC3339),
	}
	if doc.ShareEnabled {
		payload["shareToken"] = doc.ShareToken
		payload["sharePermission"] = doc.SharePermission
		if doc.ShareExpiresAt != nil {
			payload["shareExpiresAt"] = doc.ShareExpiresAt.Format(time.RFC3339)
		}
	}
	return payload
}

func documentsPayload(docs []store.Document) []map[string]any {
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentPayload(doc))
	}
	return items
}

func blockPayload(block store.Block) map[string]any {
	return map[string]any{
		"id":         block.ID,
		"documentId": block.DocumentID,
		"type":       block.Type,
		"content":    block.Content,
		"props":      block.Props,
		"position":   block.Position,
		"version":    block.Version,
		"updatedBy":  block.UpdatedBy,
		"updatedAt":  block.UpdatedAt.Format(time.RFC3339),
	}
}

func blocksPayload(blocks []store.Block) []map[string]any {
	items := make([]map[string]any, 0, len(blocks))
	for _, block := range blocks {
		items = append(items, blockPayload(block))
	}
	return items
}

func versionPayload(version store.DocumentVersion) map[string]any {
	return map[string]any{
		"id":          version.ID,
		"documentId":  version.DocumentID,
		"createdBy":   version.CreatedBy,
		"title":       version.Title,
		"icon":        version.Icon,
		"coverImage":  version.CoverImage,
		"tags":        tagsOrEmpty(version.Tags),
		"blocks":      version.Blocks,
		"description": version.Description,
		"createdAt":   version.CreatedAt.Format(time.RFC3339),
	}
}

// versionsPayload lists version metadata without block snapshots; the
// full snapshot is only served on the single-version read.
func versionsPayload(versions []store.DocumentVersion) []map[string]any {
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, map[string]any{
			"id":          version.ID,
			"documentId":  version.DocumentID,
			"createdBy":   version.CreatedBy,
			"title":       version.Title,
			"description": version.Description,
			"blockCount":  len(version.Blocks),
			"createdAt":   version.CreatedAt.Format(time.RFC3339),
		})
	}
	return items
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"documentId": comment.DocumentID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"body":       comment.Body,
		"createdAt":  comment.CreatedAt.Format(time.RFC3339),
	}
}

func commentsPayload(comments []store.Comment) []map[string]any {
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items
}

func preferencesPayload(prefs store.UserPreferences) map[string]any {
	return map[string]any{
		"historyEnabled":        prefs.HistoryEnabled,
		"autoVersionIntervalMs": prefs.AutoVersionIntervalMs,
		"historyMaxVersions":    prefs.HistoryMaxVersions,
		"historyRetentionDays":  prefs.HistoryRetentionDays,
		"notifyOnRestore":       prefs.NotifyOnRestore,
	}
}

func cascadePayload(result CascadeResult) map[string]any {
	payload := map[string]any{
		"document": documentPayload(result.Document),
		"affected": result.Affected,
	}
	if len(result.Failed) > 0 {
		payload["failed"] = result.Failed
	}
	return payload
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
