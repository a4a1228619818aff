package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"notebase/api/internal/authpw"
	"notebase/api/internal/config"
	"notebase/api/internal/store"
)

// memStore is an in-memory dataStore for service tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	docs     map[string]store.Document
	blocks   map[string][]store.Block
	versions map[string]store.DocumentVersion
	comments map[string]store.Comment
	prefs    map[string]store.UserPreferences
	refresh  map[string]string

	// error injection
	getDocErr      map[string]error
	setArchivedErr map[string]error

	versionSeq int
	blockSeq   int
}

func newMemStore() *memStore {
	return &memStore{
		users:          map[string]store.User{},
		docs:           map[string]store.Document{},
		blocks:         map[string][]store.Block{},
		versions:       map[string]store.DocumentVersion{},
		comments:       map[string]store.Comment{},
		prefs:          map[string]store.UserPreferences{},
		refresh:        map[string]string{},
		getDocErr:      map[string]error{},
		setArchivedErr: map[string]error{},
	}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) CreateUser(ctx context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = userID
	return nil
}

func (m *memStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	userID, ok := m.refresh[tokenHash]
	m.mu.Unlock()
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return m.GetUserByID(ctx, userID)
}

func (m *memStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) InsertDocument(ctx context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.UpdatedAt = doc.CreatedAt
	m.docs[doc.ID] = doc
	return nil
}

func (m *memStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getDocErr[documentID]; err != nil {
		return store.Document{}, err
	}
	doc, ok := m.docs[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) GetDocumentByShareToken(ctx context.Context, token string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.ShareEnabled && doc.ShareToken == token {
			return doc, nil
		}
	}
	return store.Document{}, sql.ErrNoRows
}

func (m *memStore) ListDocumentsByParent(ctx context.Context, ownerID string, parentID *string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Document, 0)
	for _, doc := range m.docs {
		if doc.OwnerID != ownerID || doc.IsArchived {
			continue
		}
		if parentID == nil {
			orphaned := doc.ParentID != nil && !m.parentExists(*doc.ParentID)
			if doc.ParentID == nil || orphaned {
				items = append(items, doc)
			}
			continue
		}
		if doc.ParentID != nil && *doc.ParentID == *parentID {
			items = append(items, doc)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) parentExists(parentID string) bool {
	_, ok := m.docs[parentID]
	return ok
}

func (m *memStore) ListArchivedDocuments(ctx context.Context, ownerID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Document, 0)
	for _, doc := range m.docs {
		if doc.OwnerID == ownerID && doc.IsArchived {
			items = append(items, doc)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) ListChildDocuments(ctx context.Context, ownerID, parentID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Document, 0)
	for _, doc := range m.docs {
		if doc.OwnerID == ownerID && doc.ParentID != nil && *doc.ParentID == parentID {
			items = append(items, doc)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) UpdateDocumentMeta(ctx context.Context, documentID, title, icon, coverImage string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Title = title
	doc.Icon = icon
	doc.CoverImage = coverImage
	doc.Tags = tags
	doc.UpdatedAt = time.Now()
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) SetDocumentArchived(ctx context.Context, documentID string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setArchivedErr[documentID]; err != nil {
		return err
	}
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.IsArchived = archived
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) ClearDocumentParent(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.ParentID = nil
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) SetDocumentPublished(ctx context.Context, documentID string, published bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.IsPublished = published
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) UpdateDocumentSharing(ctx context.Context, documentID string, enabled bool, token, permission string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.ShareEnabled = enabled
	doc.ShareToken = token
	doc.SharePermission = permission
	doc.ShareExpiresAt = expiresAt
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) SetLastAutoVersion(ctx context.Context, documentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.LastAutoVersionAt = &at
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) ListDocumentIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) DeleteDocumentCascade(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[documentID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.docs, documentID)
	delete(m.blocks, documentID)
	for id, version := range m.versions {
		if version.DocumentID == documentID {
			delete(m.versions, id)
		}
	}
	for id, comment := range m.comments {
		if comment.DocumentID == documentID {
			delete(m.comments, id)
		}
	}
	return nil
}

func (m *memStore) SyncBlocks(ctx context.Context, documentID, userID string, incoming []store.BlockInput) (store.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.blocks[documentID]
	result := store.SyncResult{}
	next := make([]store.Block, 0, len(incoming))
	for i, in := range incoming {
		if i < len(existing) {
			block := existing[i]
			if block.Type != in.Type || block.Content != in.Content || block.Props != in.Props {
				result.Updated++
				block.Version++
			}
			block.Type = in.Type
			block.Content = in.Content
			block.Props = in.Props
			block.Position = i
			block.UpdatedBy = userID
			next = append(next, block)
			continue
		}
		result.Created++
		m.blockSeq++
		next = append(next, store.Block{
			ID:         "blk_mem_" + string(rune('a'+m.blockSeq)),
			DocumentID: documentID,
			Type:       in.Type,
			Content:    in.Content,
			Props:      in.Props,
			Position:   i,
			Version:    1,
			UpdatedBy:  userID,
		})
	}
	if len(existing) > len(incoming) {
		result.Deleted = len(existing) - len(incoming)
	}
	m.blocks[documentID] = next
	return result, nil
}

func (m *memStore) ListBlocks(ctx context.Context, documentID string) ([]store.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Block(nil), m.blocks[documentID]...), nil
}

func (m *memStore) GetBlock(ctx context.Context, blockID string) (store.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, blocks := range m.blocks {
		for _, block := range blocks {
			if block.ID == blockID {
				return block, nil
			}
		}
	}
	return store.Block{}, sql.ErrNoRows
}

func (m *memStore) InsertBlock(ctx context.Context, block store.Block) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockSeq++
	block.ID = "blk_mem_" + string(rune('a'+m.blockSeq))
	block.Position = len(m.blocks[block.DocumentID])
	block.Version = 1
	m.blocks[block.DocumentID] = append(m.blocks[block.DocumentID], block)
	return block.ID, nil
}

func (m *memStore) UpdateBlock(ctx context.Context, blockID, userID, blockType, content, props string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for documentID, blocks := range m.blocks {
		for i, block := range blocks {
			if block.ID == blockID {
				block.Type = blockType
				block.Content = content
				block.Props = props
				block.Version++
				block.UpdatedBy = userID
				m.blocks[documentID][i] = block
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) DeleteBlock(ctx context.Context, blockID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for documentID, blocks := range m.blocks {
		for i, block := range blocks {
			if block.ID == blockID {
				m.blocks[documentID] = append(blocks[:i], blocks[i+1:]...)
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) ReorderBlocks(ctx context.Context, documentID, userID string, moves []store.BlockMove) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := m.blocks[documentID]
	for _, move := range moves {
		for i, block := range blocks {
			if block.ID == move.BlockID {
				blocks[i].Position = move.NewPosition
				blocks[i].UpdatedBy = userID
			}
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Position < blocks[j].Position })
	m.blocks[documentID] = blocks
	return nil
}

func (m *memStore) ApplyVersionSnapshot(ctx context.Context, documentID, userID string, version store.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Title = version.Title
	doc.Icon = version.Icon
	doc.CoverImage = version.CoverImage
	doc.Tags = version.Tags
	m.docs[documentID] = doc

	blocks := make([]store.Block, 0, len(version.Blocks))
	for _, snapshot := range version.Blocks {
		m.blockSeq++
		blocks = append(blocks, store.Block{
			ID:         "blk_mem_" + string(rune('a'+m.blockSeq)),
			DocumentID: documentID,
			Type:       snapshot.Type,
			Content:    snapshot.Content,
			Props:      snapshot.Props,
			Position:   snapshot.Position,
			Version:    1,
			UpdatedBy:  userID,
		})
	}
	m.blocks[documentID] = blocks
	return nil
}

func (m *memStore) InsertVersion(ctx context.Context, version store.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version.CreatedAt.IsZero() {
		m.versionSeq++
		version.CreatedAt = time.Now().Add(time.Duration(m.versionSeq) * time.Millisecond)
	}
	m.versions[version.ID] = version
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, versionID string) (store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[versionID]
	if !ok {
		return store.DocumentVersion{}, sql.ErrNoRows
	}
	return version, nil
}

func (m *memStore) ListVersionsByDocument(ctx context.Context, documentID string) ([]store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.DocumentVersion, 0)
	for _, version := range m.versions {
		if version.DocumentID == documentID {
			items = append(items, version)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (m *memStore) DeleteVersion(ctx context.Context, versionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[versionID]; !ok {
		return false, nil
	}
	delete(m.versions, versionID)
	return true, nil
}

func (m *memStore) DeleteVersionsBefore(ctx context.Context, documentID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, version := range m.versions {
		if version.DocumentID == documentID && version.CreatedAt.Before(cutoff) {
			delete(m.versions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) DeleteVersionsBeyondCap(ctx context.Context, documentID string, keep int) (int, error) {
	items, _ := m.ListVersionsByDocument(ctx, documentID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(items) <= keep {
		return 0, nil
	}
	deleted := 0
	for _, version := range items[keep:] {
		delete(m.versions, version.ID)
		deleted++
	}
	return deleted, nil
}

func (m *memStore) InsertComment(ctx context.Context, comment store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[comment.ID] = comment
	return nil
}

func (m *memStore) ListComments(ctx context.Context, documentID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Comment, 0)
	for _, comment := range m.comments {
		if comment.DocumentID == documentID {
			items = append(items, comment)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[commentID]
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return comment, nil
}

func (m *memStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[commentID]; !ok {
		return false, nil
	}
	delete(m.comments, commentID)
	return true, nil
}

func (m *memStore) GetUserPreferences(ctx context.Context, userID string) (store.UserPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, ok := m.prefs[userID]
	if !ok {
		return store.DefaultPreferences(userID), nil
	}
	return prefs, nil
}

func (m *memStore) UpsertUserPreferences(ctx context.Context, prefs store.UserPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[prefs.UserID] = prefs
	return nil
}

// ---- test helpers ----

func newTestService(mem *memStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:      "test-secret",
			AccessTTL:      time.Hour,
			RefreshTTL:     24 * time.Hour,
			SweepBatchSize: 2,
		},
		store:  mem,
		authpw: authpw.NewService(mem),
	}
}

func ownerSession() Session {
	return Session{UserID: "usr_owner", UserName: "Owner"}
}

func seedDocument(mem *memStore, id string, parentID *string) store.Document {
	doc := store.Document{
		ID:       id,
		OwnerID:  "usr_owner",
		Title:    "Doc " + id,
		ParentID: parentID,
	}
	_ = mem.InsertDocument(context.Background(), doc)
	return doc
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status
}

// ---- authorization ----

func TestGuardRejectsMissingSession(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)

	_, err := service.GetDocument(context.Background(), Session{}, "doc_1")
	if status := domainStatus(t, err); status != 401 {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestGuardRejectsNonOwner(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)

	_, err := service.GetDocument(context.Background(), Session{UserID: "usr_other"}, "doc_1")
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestGuardMissingDocumentIs404(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)

	_, err := service.GetDocument(context.Background(), ownerSession(), "doc_missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestVersionGuardChecksDocumentOwner(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	_ = mem.InsertVersion(context.Background(), store.DocumentVersion{ID: "ver_1", DocumentID: "doc_1"})

	_, err := service.GetVersionByID(context.Background(), Session{UserID: "usr_other"}, "ver_1")
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
}

// ---- version history ----

func TestCreateVersionDefaultsDescription(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	_, _ = mem.SyncBlocks(context.Background(), "doc_1", "usr_owner", []store.BlockInput{
		{Type: "paragraph", Content: "hello"},
	})

	versionID, err := service.CreateVersion(context.Background(), ownerSession(), "doc_1", "")
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	version, err := mem.GetVersion(context.Background(), versionID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version.Description != "Auto-saved version" {
		t.Fatalf("expected default description, got %q", version.Description)
	}
	if len(version.Blocks) != 1 || version.Blocks[0].Content != "hello" {
		t.Fatalf("expected snapshot to capture blocks, got %+v", version.Blocks)
	}
}

func TestRestoreVersionCheckpointsBeforeApplying(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)

	// Old state captured in a version.
	_, _ = mem.SyncBlocks(context.Background(), "doc_1", "usr_owner", []store.BlockInput{
		{Type: "paragraph", Content: "old content"},
	})
	versionID, err := service.CreateVersion(context.Background(), ownerSession(), "doc_1", "named")
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	// Document has since moved on.
	_, _ = mem.SyncBlocks(context.Background(), "doc_1", "usr_owner", []store.BlockInput{
		{Type: "paragraph", Content: "current content"},
		{Type: "heading", Content: "extra"},
	})

	documentID, err := service.RestoreVersion(context.Background(), ownerSession(), versionID)
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if documentID != "doc_1" {
		t.Fatalf("expected doc_1, got %s", documentID)
	}

	// Blocks rewound to the snapshot.
	blocks, _ := mem.ListBlocks(context.Background(), "doc_1")
	if len(blocks) != 1 || blocks[0].Content != "old content" {
		t.Fatalf("expected restored blocks, got %+v", blocks)
	}

	// A checkpoint of the pre-restore state exists, so the restore is
	// itself undoable.
	versions, _ := mem.ListVersionsByDocument(context.Background(), "doc_1")
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	checkpoint := versions[0]
	if checkpoint.Description != "Before restore checkpoint" {
		t.Fatalf("expected newest version to be the checkpoint, got %q", checkpoint.Description)
	}
	if len(checkpoint.Blocks) != 2 || checkpoint.Blocks[0].Content != "current content" {
		t.Fatalf("checkpoint should capture pre-restore state, got %+v", checkpoint.Blocks)
	}
}

func TestDeleteVersionNotFound(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)

	err := service.DeleteVersion(context.Background(), ownerSession(), "ver_missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected 404, got %d", status)
	}
}

// ---- retention ----

func seedVersions(mem *memStore, documentID string, ages ...time.Duration) {
	now := time.Now()
	for i, age := range ages {
		_ = mem.InsertVersion(context.Background(), store.DocumentVersion{
			ID:         "ver_" + documentID + "_" + string(rune('a'+i)),
			DocumentID: documentID,
			CreatedAt:  now.Add(-age),
		})
	}
}

func TestCleanupOldVersionsHonorsRetentionDays(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	_ = mem.UpsertUserPreferences(context.Background(), store.UserPreferences{
		UserID:               "usr_owner",
		HistoryEnabled:       true,
		HistoryRetentionDays: 30,
		HistoryMaxVersions:   100,
	})
	seedVersions(mem, "doc_1",
		24*time.Hour,      // kept
		29*24*time.Hour,   // kept
		31*24*time.Hour,   // deleted
		400*24*time.Hour,  // deleted
	)

	deleted, err := service.CleanupOldVersions(context.Background(), ownerSession(), "doc_1")
	if err != nil {
		t.Fatalf("CleanupOldVersions: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	remaining, _ := mem.ListVersionsByDocument(context.Background(), "doc_1")
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
}

func TestCleanupOldVersionsIdempotent(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	seedVersions(mem, "doc_1", 400*24*time.Hour)

	first, err := service.CleanupOldVersions(context.Background(), ownerSession(), "doc_1")
	if err != nil || first != 1 {
		t.Fatalf("first cleanup: deleted=%d err=%v", first, err)
	}
	second, err := service.CleanupOldVersions(context.Background(), ownerSession(), "doc_1")
	if err != nil || second != 0 {
		t.Fatalf("second cleanup should delete nothing: deleted=%d err=%v", second, err)
	}
}

func TestEnforceMaxVersionsKeepsNewest(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	_ = mem.UpsertUserPreferences(context.Background(), store.UserPreferences{
		UserID:               "usr_owner",
		HistoryEnabled:       true,
		HistoryRetentionDays: 365,
		HistoryMaxVersions:   2,
	})
	seedVersions(mem, "doc_1", time.Hour, 2*time.Hour, 3*time.Hour, 4*time.Hour)

	deleted, err := service.EnforceMaxVersions(context.Background(), ownerSession(), "doc_1")
	if err != nil {
		t.Fatalf("EnforceMaxVersions: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	remaining, _ := mem.ListVersionsByDocument(context.Background(), "doc_1")
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
	// The survivors must be the newest two.
	if remaining[0].ID != "ver_doc_1_a" || remaining[1].ID != "ver_doc_1_b" {
		t.Fatalf("expected newest versions kept, got %s and %s", remaining[0].ID, remaining[1].ID)
	}
}

func TestSweepIsolatesPerDocumentFailures(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	seedDocument(mem, "doc_2", nil)
	seedDocument(mem, "doc_3", nil)
	mem.getDocErr["doc_2"] = errors.New("boom")
	seedVersions(mem, "doc_1", 400*24*time.Hour)
	seedVersions(mem, "doc_3", 400*24*time.Hour)

	summary := service.SweepAllDocuments(context.Background())
	if summary.Documents != 3 {
		t.Fatalf("expected 3 documents visited, got %d", summary.Documents)
	}
	if summary.Failures != 1 {
		t.Fatalf("expected 1 failure, got %d", summary.Failures)
	}
	// The failing document must not prevent the others from being swept.
	if summary.DeletedByAge != 2 {
		t.Fatalf("expected 2 versions deleted by age, got %d", summary.DeletedByAge)
	}
}

// ---- auto versioning ----

func TestSyncBlocksRecordsAutoVersionOncePerInterval(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)

	_, err := service.SyncBlocks(context.Background(), ownerSession(), "doc_1", []store.BlockInput{
		{Type: "paragraph", Content: "first"},
	})
	if err != nil {
		t.Fatalf("SyncBlocks: %v", err)
	}
	versions, _ := mem.ListVersionsByDocument(context.Background(), "doc_1")
	if len(versions) != 1 {
		t.Fatalf("expected 1 auto version, got %d", len(versions))
	}

	// Second sync inside the debounce window records nothing new.
	_, err = service.SyncBlocks(context.Background(), ownerSession(), "doc_1", []store.BlockInput{
		{Type: "paragraph", Content: "second"},
	})
	if err != nil {
		t.Fatalf("SyncBlocks: %v", err)
	}
	versions, _ = mem.ListVersionsByDocument(context.Background(), "doc_1")
	if len(versions) != 1 {
		t.Fatalf("expected auto version to be debounced, got %d", len(versions))
	}
}

func TestSyncBlocksSkipsAutoVersionWhenHistoryDisabled(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	_ = mem.UpsertUserPreferences(context.Background(), store.UserPreferences{
		UserID:                "usr_owner",
		HistoryEnabled:        false,
		AutoVersionIntervalMs: 60000,
		HistoryMaxVersions:    50,
		HistoryRetentionDays:  90,
	})

	_, err := service.SyncBlocks(context.Background(), ownerSession(), "doc_1", []store.BlockInput{
		{Type: "paragraph", Content: "first"},
	})
	if err != nil {
		t.Fatalf("SyncBlocks: %v", err)
	}
	versions, _ := mem.ListVersionsByDocument(context.Background(), "doc_1")
	if len(versions) != 0 {
		t.Fatalf("expected no auto version with history disabled, got %d", len(versions))
	}
}

// ---- archive cascade ----

func TestArchiveCascadesToDescendants(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	root := seedDocument(mem, "doc_root", nil)
	seedDocument(mem, "doc_child", &root.ID)
	childID := "doc_child"
	seedDocument(mem, "doc_grandchild", &childID)

	result, err := service.ArchiveDocument(context.Background(), ownerSession(), "doc_root")
	if err != nil {
		t.Fatalf("ArchiveDocument: %v", err)
	}
	if result.Affected != 2 {
		t.Fatalf("expected 2 descendants affected, got %d", result.Affected)
	}
	for _, id := range []string{"doc_root", "doc_child", "doc_grandchild"} {
		doc, _ := mem.GetDocument(context.Background(), id)
		if !doc.IsArchived {
			t.Fatalf("expected %s archived", id)
		}
	}
}

func TestArchiveCascadeSurvivesDescendantFailure(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	root := seedDocument(mem, "doc_root", nil)
	seedDocument(mem, "doc_bad", &root.ID)
	seedDocument(mem, "doc_ok", &root.ID)
	mem.setArchivedErr["doc_bad"] = errors.New("boom")

	result, err := service.ArchiveDocument(context.Background(), ownerSession(), "doc_root")
	if err != nil {
		t.Fatalf("ArchiveDocument: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "doc_bad" {
		t.Fatalf("expected doc_bad recorded as failed, got %v", result.Failed)
	}
	// Root and healthy sibling are archived regardless.
	root2, _ := mem.GetDocument(context.Background(), "doc_root")
	ok, _ := mem.GetDocument(context.Background(), "doc_ok")
	if !root2.IsArchived || !ok.IsArchived {
		t.Fatal("expected root and healthy child archived despite sibling failure")
	}
}

func TestRestoreDetachesFromArchivedParent(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	parent := seedDocument(mem, "doc_parent", nil)
	seedDocument(mem, "doc_child", &parent.ID)

	if _, err := service.ArchiveDocument(context.Background(), ownerSession(), "doc_parent"); err != nil {
		t.Fatalf("ArchiveDocument: %v", err)
	}

	// Restore only the child; the parent stays in the trash.
	if _, err := service.RestoreDocument(context.Background(), ownerSession(), "doc_child"); err != nil {
		t.Fatalf("RestoreDocument: %v", err)
	}

	child, _ := mem.GetDocument(context.Background(), "doc_child")
	if child.IsArchived {
		t.Fatal("expected child restored")
	}
	if child.ParentID != nil {
		t.Fatal("expected child detached from its archived parent")
	}
}

func TestRestoreKeepsLinkToLiveParent(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	parent := seedDocument(mem, "doc_parent", nil)
	seedDocument(mem, "doc_child", &parent.ID)

	if _, err := service.ArchiveDocument(context.Background(), ownerSession(), "doc_child"); err != nil {
		t.Fatalf("ArchiveDocument: %v", err)
	}
	if _, err := service.RestoreDocument(context.Background(), ownerSession(), "doc_child"); err != nil {
		t.Fatalf("RestoreDocument: %v", err)
	}

	child, _ := mem.GetDocument(context.Background(), "doc_child")
	if child.ParentID == nil || *child.ParentID != "doc_parent" {
		t.Fatal("expected child to keep its link to the live parent")
	}
}

func TestRemoveDocumentLeavesChildrenAsOrphans(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	parent := seedDocument(mem, "doc_parent", nil)
	seedDocument(mem, "doc_child", &parent.ID)
	seedVersions(mem, "doc_parent", time.Hour)

	if _, err := service.RemoveDocument(context.Background(), ownerSession(), "doc_parent"); err != nil {
		t.Fatalf("RemoveDocument: %v", err)
	}

	if _, err := mem.GetDocument(context.Background(), "doc_parent"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatal("expected parent hard-deleted")
	}
	versions, _ := mem.ListVersionsByDocument(context.Background(), "doc_parent")
	if len(versions) != 0 {
		t.Fatalf("expected parent versions deleted, got %d", len(versions))
	}

	// The orphaned child now surfaces at the root of the sidebar.
	roots, _ := service.ListDocuments(context.Background(), ownerSession(), nil)
	found := false
	for _, doc := range roots {
		if doc.ID == "doc_child" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected orphaned child listed at sidebar root")
	}
}

// ---- preferences ----

func TestUpdatePreferencesRejectsInvalidInterval(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)

	_, err := service.UpdatePreferences(context.Background(), ownerSession(), UpdatePreferencesInput{
		HistoryEnabled:        true,
		AutoVersionIntervalMs: 45000,
		HistoryMaxVersions:    50,
		HistoryRetentionDays:  90,
	})
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("expected 422, got %d", status)
	}
	// Nothing was written.
	prefs, _ := mem.GetUserPreferences(context.Background(), "usr_owner")
	if prefs.AutoVersionIntervalMs != store.DefaultAutoVersionIntervalMs {
		t.Fatalf("expected defaults untouched, got %d", prefs.AutoVersionIntervalMs)
	}
}

func TestUpdatePreferencesRejectsInvalidCapAndRetention(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)

	_, err := service.UpdatePreferences(context.Background(), ownerSession(), UpdatePreferencesInput{
		AutoVersionIntervalMs: 60000,
		HistoryMaxVersions:    33,
		HistoryRetentionDays:  90,
	})
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("expected 422 for cap, got %d", status)
	}

	_, err = service.UpdatePreferences(context.Background(), ownerSession(), UpdatePreferencesInput{
		AutoVersionIntervalMs: 60000,
		HistoryMaxVersions:    50,
		HistoryRetentionDays:  45,
	})
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("expected 422 for retention, got %d", status)
	}
}

func TestUpdatePreferencesPersistsValidInput(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)

	prefs, err := service.UpdatePreferences(context.Background(), ownerSession(), UpdatePreferencesInput{
		HistoryEnabled:        true,
		AutoVersionIntervalMs: 300000,
		HistoryMaxVersions:    25,
		HistoryRetentionDays:  180,
		NotifyOnRestore:       true,
	})
	if err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}
	if prefs.AutoVersionIntervalMs != 300000 || prefs.HistoryMaxVersions != 25 || prefs.HistoryRetentionDays != 180 {
		t.Fatalf("unexpected persisted preferences: %+v", prefs)
	}
}

// ---- sharing ----

func TestUpdateDocumentSharingIssuesToken(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)

	doc, err := service.UpdateDocumentSharing(context.Background(), ownerSession(), "doc_1", true, "view", nil)
	if err != nil {
		t.Fatalf("UpdateDocumentSharing: %v", err)
	}
	if doc.ShareToken == "" {
		t.Fatal("expected a share token")
	}

	// Disabling clears the link.
	doc, err = service.UpdateDocumentSharing(context.Background(), ownerSession(), "doc_1", false, "", nil)
	if err != nil {
		t.Fatalf("UpdateDocumentSharing disable: %v", err)
	}
	if doc.ShareEnabled {
		t.Fatal("expected sharing disabled")
	}
}

func TestGetSharedDocumentHidesExpiredLinks(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	past := time.Now().Add(-time.Hour)
	_ = mem.UpdateDocumentSharing(context.Background(), "doc_1", true, "tok_1", "view", &past)

	_, err := service.GetSharedDocument(context.Background(), "tok_1")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected expired link to 404, got %d", status)
	}
}

func TestGetSharedDocumentHidesArchivedDocuments(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	seedDocument(mem, "doc_1", nil)
	_ = mem.UpdateDocumentSharing(context.Background(), "doc_1", true, "tok_1", "view", nil)
	_ = mem.SetDocumentArchived(context.Background(), "doc_1", true)

	_, err := service.GetSharedDocument(context.Background(), "tok_1")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected archived document to 404, got %d", status)
	}
}
