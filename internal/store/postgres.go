package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---- refresh sessions ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---- documents ----

const documentColumns = `id, owner_id, title, COALESCE(icon, ''), COALESCE(cover_image, ''), parent_id,
	is_archived, is_published, share_enabled, COALESCE(share_token, ''), COALESCE(share_permission, ''),
	share_expires_at, COALESCE(tags, '[]'::jsonb), last_auto_version_at, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	var tagsRaw []byte
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Title,
		&item.Icon,
		&item.CoverImage,
		&item.ParentID,
		&item.IsArchived,
		&item.IsPublished,
		&item.ShareEnabled,
		&item.ShareToken,
		&item.SharePermission,
		&item.ShareExpiresAt,
		&tagsRaw,
		&item.LastAutoVersionAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	return item, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(encoded), nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, icon, cover_image, parent_id, tags)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7::jsonb)
	`, item.ID, item.OwnerID, item.Title, item.Icon, item.CoverImage, item.ParentID, tags)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
	`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) GetDocumentByShareToken(ctx context.Context, token string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE share_enabled=TRUE AND share_token=$1
	`, token)
	return scanDocument(row)
}

// ListDocumentsByParent returns the non-archived sidebar entries under a
// parent. With a nil parent it also surfaces orphans whose parent row no
// longer exists, so children of a hard-deleted document reappear at the
// root instead of vanishing.
func (s *PostgresStore) ListDocumentsByParent(ctx context.Context, ownerID string, parentID *string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE owner_id=$1
		  AND is_archived=FALSE
		  AND (
			($2::text IS NULL AND (parent_id IS NULL OR NOT EXISTS (SELECT 1 FROM documents p WHERE p.id=d.parent_id)))
			OR parent_id=$2
		  )
		ORDER BY created_at ASC
	`, ownerID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list documents by parent: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PostgresStore) ListArchivedDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE owner_id=$1 AND is_archived=TRUE
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list archived documents: %w", err)
	}
	return collectDocuments(rows)
}

// ListChildDocuments returns every direct child regardless of archive
// state, for the tree cascade.
func (s *PostgresStore) ListChildDocuments(ctx context.Context, ownerID, parentID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE owner_id=$1 AND parent_id=$2
		ORDER BY created_at ASC
	`, ownerID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child documents: %w", err)
	}
	return collectDocuments(rows)
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocumentMeta(ctx context.Context, documentID, title, icon, coverImage string, tags []string) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, icon=NULLIF($3, ''), cover_image=NULLIF($4, ''), tags=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, documentID, title, icon, coverImage, encoded)
	if err != nil {
		return fmt.Errorf("update document meta: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDocumentArchived(ctx context.Context, documentID string, archived bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET is_archived=$2, updated_at=NOW() WHERE id=$1
	`, documentID, archived)
	if err != nil {
		return fmt.Errorf("set document archived: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearDocumentParent(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET parent_id=NULL, updated_at=NOW() WHERE id=$1
	`, documentID)
	if err != nil {
		return fmt.Errorf("clear document parent: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDocumentPublished(ctx context.Context, documentID string, published bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET is_published=$2, updated_at=NOW() WHERE id=$1
	`, documentID, published)
	if err != nil {
		return fmt.Errorf("set document published: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentSharing(ctx context.Context, documentID string, enabled bool, token, permission string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET share_enabled=$2, share_token=NULLIF($3, ''), share_permission=NULLIF($4, ''), share_expires_at=$5, updated_at=NOW()
		WHERE id=$1
	`, documentID, enabled, token, permission, expiresAt)
	if err != nil {
		return fmt.Errorf("update document sharing: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetLastAutoVersion(ctx context.Context, documentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET last_auto_version_at=$2 WHERE id=$1
	`, documentID, at)
	if err != nil {
		return fmt.Errorf("set last auto version: %w", err)
	}
	return nil
}

// ListDocumentIDs pages through every document id in the system using
// keyset pagination, for the retention sweep.
func (s *PostgresStore) ListDocumentIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return ids, nil
}

// DeleteDocumentCascade hard-deletes a document and everything it owns:
// blocks, comments, versions, then the row itself, in one transaction.
// Child documents are intentionally untouched.
func (s *PostgresStore) DeleteDocumentCascade(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range []struct {
		name  string
		query string
	}{
		{"delete blocks", `DELETE FROM blocks WHERE document_id=$1`},
		{"delete comments", `DELETE FROM comments WHERE document_id=$1`},
		{"delete versions", `DELETE FROM document_versions WHERE document_id=$1`},
		{"delete document", `DELETE FROM documents WHERE id=$1`},
	} {
		if _, err := tx.ExecContext(ctx, step.query, documentID); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

// ---- versions ----

func (s *PostgresStore) InsertVersion(ctx context.Context, version DocumentVersion) error {
	tags, err := encodeTags(version.Tags)
	if err != nil {
		return err
	}
	blocks := version.Blocks
	if blocks == nil {
		blocks = []BlockSnapshot{}
	}
	encodedBlocks, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_versions (id, document_id, created_by, title, icon, cover_image, tags, blocks_snapshot, description)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7::jsonb, $8::jsonb, $9)
	`, version.ID, version.DocumentID, version.CreatedBy, version.Title, version.Icon, version.CoverImage, tags, string(encodedBlocks), version.Description)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

const versionColumns = `id, document_id, created_by, title, COALESCE(icon, ''), COALESCE(cover_image, ''),
	COALESCE(tags, '[]'::jsonb), blocks_snapshot, description, created_at`

func scanVersion(row interface{ Scan(...any) error }) (DocumentVersion, error) {
	var item DocumentVersion
	var tagsRaw, blocksRaw []byte
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.CreatedBy,
		&item.Title,
		&item.Icon,
		&item.CoverImage,
		&tagsRaw,
		&blocksRaw,
		&item.Description,
		&item.CreatedAt,
	)
	if err != nil {
		return DocumentVersion{}, err
	}
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	if err := json.Unmarshal(blocksRaw, &item.Blocks); err != nil {
		return DocumentVersion{}, fmt.Errorf("unmarshal blocks snapshot: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE id=$1
	`, versionID)
	return scanVersion(row)
}

// ListVersionsByDocument returns a document's versions newest-first.
func (s *PostgresStore) ListVersionsByDocument(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteVersion(ctx context.Context, versionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_versions WHERE id=$1`, versionID)
	if err != nil {
		return false, fmt.Errorf("delete version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete version rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteVersionsBefore removes every version created strictly before the
// cutoff and reports how many were deleted. Idempotent.
func (s *PostgresStore) DeleteVersionsBefore(ctx context.Context, documentID string, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_versions
		WHERE document_id=$1 AND created_at < $2
	`, documentID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete versions before cutoff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete versions before cutoff rows: %w", err)
	}
	return int(affected), nil
}

// DeleteVersionsBeyondCap keeps only the N most recent versions of a
// document and reports how many were deleted. Idempotent.
func (s *PostgresStore) DeleteVersionsBeyondCap(ctx context.Context, documentID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_versions
		WHERE document_id=$1
		  AND id NOT IN (
			SELECT id FROM document_versions
			WHERE document_id=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		  )
	`, documentID, keep)
	if err != nil {
		return 0, fmt.Errorf("delete versions beyond cap: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete versions beyond cap rows: %w", err)
	}
	return int(affected), nil
}

// ---- comments ----

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, author_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.DocumentID, comment.AuthorID, comment.AuthorName, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, author_id, author_name, body, created_at
		FROM comments
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.AuthorID, &item.AuthorName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, author_id, author_name, body, created_at
		FROM comments
		WHERE id=$1
	`, commentID).Scan(&item.ID, &item.DocumentID, &item.AuthorID, &item.AuthorName, &item.Body, &item.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// ---- preferences ----

// GetUserPreferences resolves a user's retention policy, falling back to
// defaults when no row exists. The sweep and version manager only ever
// read this.
func (s *PostgresStore) GetUserPreferences(ctx context.Context, userID string) (UserPreferences, error) {
	var item UserPreferences
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, history_enabled, auto_version_interval_ms, history_max_versions, history_retention_days, notify_on_restore, updated_at
		FROM user_preferences
		WHERE user_id=$1
	`, userID).Scan(
		&item.UserID,
		&item.HistoryEnabled,
		&item.AutoVersionIntervalMs,
		&item.HistoryMaxVersions,
		&item.HistoryRetentionDays,
		&item.NotifyOnRestore,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return UserPreferences{}, fmt.Errorf("get user preferences: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertUserPreferences(ctx context.Context, prefs UserPreferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, history_enabled, auto_version_interval_ms, history_max_versions, history_retention_days, notify_on_restore)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			history_enabled=EXCLUDED.history_enabled,
			auto_version_interval_ms=EXCLUDED.auto_version_interval_ms,
			history_max_versions=EXCLUDED.history_max_versions,
			history_retention_days=EXCLUDED.history_retention_days,
			notify_on_restore=EXCLUDED.notify_on_restore,
			updated_at=NOW()
	`, prefs.UserID, prefs.HistoryEnabled, prefs.AutoVersionIntervalMs, prefs.HistoryMaxVersions, prefs.HistoryRetentionDays, prefs.NotifyOnRestore)
	if err != nil {
		return fmt.Errorf("upsert user preferences: %w", err)
	}
	return nil
}
