package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"notebase/api/internal/auth"
	"notebase/api/internal/authpw"
	"notebase/api/internal/config"
	"notebase/api/internal/store"
	"notebase/api/internal/util"
)

// Session is the resolved caller identity attached to every
// authenticated request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

const (
	autoVersionDescription = "Auto-saved version"
	restoreCheckpointDesc  = "Before restore checkpoint"
)

// Allowed enumerated values for retention preferences. Anything outside
// these sets is rejected before any write.
var (
	allowedAutoVersionIntervals = map[int]struct{}{
		30000:  {},
		60000:  {},
		300000: {},
		600000: {},
	}
	allowedMaxVersions = map[int]struct{}{
		10:  {},
		25:  {},
		50:  {},
		100: {},
		200: {},
	}
	allowedRetentionDays = map[int]struct{}{
		7:   {},
		30:  {},
		90:  {},
		180: {},
		365: {},
	}
	allowedSharePermissions = map[string]struct{}{
		"view":    {},
		"comment": {},
	}
)

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error

	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	GetDocumentByShareToken(context.Context, string) (store.Document, error)
	ListDocumentsByParent(context.Context, string, *string) ([]store.Document, error)
	ListArchivedDocuments(context.Context, string) ([]store.Document, error)
	ListChildDocuments(context.Context, string, string) ([]store.Document, error)
	UpdateDocumentMeta(context.Context, string, string, string, string, []string) error
	SetDocumentArchived(context.Context, string, bool) error
	ClearDocumentParent(context.Context, string) error
	SetDocumentPublished(context.Context, string, bool) error
	UpdateDocumentSharing(context.Context, string, bool, string, string, *time.Time) error
	SetLastAutoVersion(context.Context, string, time.Time) error
	ListDocumentIDs(context.Context, string, int) ([]string, error)
	DeleteDocumentCascade(context.Context, string) error

	SyncBlocks(context.Context, string, string, []store.BlockInput) (store.SyncResult, error)
	ListBlocks(context.Context, string) ([]store.Block, error)
	GetBlock(context.Context, string) (store.Block, error)
	InsertBlock(context.Context, store.Block) (string, error)
	UpdateBlock(context.Context, string, string, string, string, string) (bool, error)
	DeleteBlock(context.Context, string) (bool, error)
	ReorderBlocks(context.Context, string, string, []store.BlockMove) error
	ApplyVersionSnapshot(context.Context, string, string, store.DocumentVersion) error

	InsertVersion(context.Context, store.DocumentVersion) error
	GetVersion(context.Context, string) (store.DocumentVersion, error)
	ListVersionsByDocument(context.Context, string) ([]store.DocumentVersion, error)
	DeleteVersion(context.Context, string) (bool, error)
	DeleteVersionsBefore(context.Context, string, time.Time) (int, error)
	DeleteVersionsBeyondCap(context.Context, string, int) (int, error)

	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, string) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	DeleteComment(context.Context, string) (bool, error)

	GetUserPreferences(context.Context, string) (store.UserPreferences, error)
	UpsertUserPreferences(context.Context, store.UserPreferences) error
}

// policyCache is the optional Redis layer in front of
// GetUserPreferences. Nil means every policy read goes to the store.
type policyCache interface {
	Get(ctx context.Context, userID string) (store.UserPreferences, bool, error)
	Set(ctx context.Context, prefs store.UserPreferences) error
	Invalidate(ctx context.Context, userID string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	authpw   *authpw.Service
	policies policyCache
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		authpw: authpw.NewService(dataStore),
	}
}

// NewWithPolicyCache wires the optional Redis policy cache.
func NewWithPolicyCache(cfg config.Config, dataStore *store.PostgresStore, policies policyCache) *Service {
	service := New(cfg, dataStore)
	service.policies = policies
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Session{}, domainError(400, "SIGNUP_FAILED", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := uuid.NewString()
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := uuid.NewString()
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	user, err := s.store.LookupRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, errUnauthenticated()
	}
	// Rotate: the old refresh token dies with its use.
	if err := s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		return Session{}, fmt.Errorf("rotate refresh session: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// ---- authorization guard ----

// requireDocumentOwner is the single gate in front of every mutation:
// NotFound when the document does not exist, Forbidden when the caller
// is not its owner.
func (s *Service) requireDocumentOwner(ctx context.Context, session Session, documentID string) (store.Document, error) {
	if session.UserID == "" {
		return store.Document{}, errUnauthenticated()
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, errNotFound("Document not found")
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("load document: %w", err)
	}
	if doc.OwnerID != session.UserID {
		return store.Document{}, errForbidden()
	}
	return doc, nil
}

// ---- documents ----

func (s *Service) CreateDocument(ctx context.Context, session Session, title string, parentID *string) (store.Document, error) {
	if session.UserID == "" {
		return store.Document{}, errUnauthenticated()
	}
	if title == "" {
		title = "Untitled"
	}
	if parentID != nil {
		if _, err := s.requireDocumentOwner(ctx, session, *parentID); err != nil {
			return store.Document{}, err
		}
	}
	doc := store.Document{
		ID:       util.NewID("doc"),
		OwnerID:  session.UserID,
		Title:    title,
		ParentID: parentID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, doc.ID)
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (store.Document, error) {
	return s.requireDocumentOwner(ctx, session, documentID)
}

func (s *Service) ListDocuments(ctx context.Context, session Session, parentID *string) ([]store.Document, error) {
	if session.UserID == "" {
		return nil, errUnauthenticated()
	}
	if parentID != nil {
		if _, err := s.requireDocumentOwner(ctx, session, *parentID); err != nil {
			return nil, err
		}
	}
	return s.store.ListDocumentsByParent(ctx, session.UserID, parentID)
}

func (s *Service) ListTrash(ctx context.Context, session Session) ([]store.Document, error) {
	if session.UserID == "" {
		return nil, errUnauthenticated()
	}
	return s.store.ListArchivedDocuments(ctx, session.UserID)
}

// UpdateDocumentInput patches document metadata; nil fields are left
// unchanged.
type UpdateDocumentInput struct {
	Title      *string  `json:"title"`
	Icon       *string  `json:"icon"`
	CoverImage *string  `json:"coverImage"`
	Tags       []string `json:"tags"`
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input UpdateDocumentInput) (store.Document, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return store.Document{}, err
	}
	title := doc.Title
	if input.Title != nil {
		title = *input.Title
	}
	icon := doc.Icon
	if input.Icon != nil {
		icon = *input.Icon
	}
	cover := doc.CoverImage
	if input.CoverImage != nil {
		cover = *input.CoverImage
	}
	tags := doc.Tags
	if input.Tags != nil {
		tags = input.Tags
	}
	if err := s.store.UpdateDocumentMeta(ctx, documentID, title, icon, cover, tags); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) SetDocumentPublished(ctx context.Context, session Session, documentID string, published bool) (store.Document, error) {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return store.Document{}, err
	}
	if err := s.store.SetDocumentPublished(ctx, documentID, published); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) UpdateDocumentSharing(ctx context.Context, session Session, documentID string, enabled bool, permission string, expiresAt *time.Time) (store.Document, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return store.Document{}, err
	}
	token := ""
	if enabled {
		if permission == "" {
			permission = "view"
		}
		if _, ok := allowedSharePermissions[permission]; !ok {
			return store.Document{}, errValidation("permission must be one of: view, comment", nil)
		}
		token = doc.ShareToken
		if token == "" {
			token = uuid.NewString()
		}
	} else {
		permission = ""
		expiresAt = nil
	}
	if err := s.store.UpdateDocumentSharing(ctx, documentID, enabled, token, permission, expiresAt); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, documentID)
}

// SharedDocument is the public read shape served to share-link holders.
type SharedDocument struct {
	Document store.Document
	Blocks   []store.Block
}

// GetPublishedDocument serves the public read path for documents whose
// owner flipped them to published. Unpublished and archived documents
// both come back as NotFound.
func (s *Service) GetPublishedDocument(ctx context.Context, documentID string) (SharedDocument, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return SharedDocument{}, errNotFound("Not found")
	}
	if err != nil {
		return SharedDocument{}, fmt.Errorf("load published document: %w", err)
	}
	if !doc.IsPublished || doc.IsArchived {
		return SharedDocument{}, errNotFound("Not found")
	}
	blocks, err := s.store.ListBlocks(ctx, doc.ID)
	if err != nil {
		return SharedDocument{}, err
	}
	return SharedDocument{Document: doc, Blocks: blocks}, nil
}

// GetSharedDocument serves the public share path. Misses, disabled
// links, and expired links all come back as NotFound so the route never
// confirms a document's existence to strangers.
func (s *Service) GetSharedDocument(ctx context.Context, token string) (SharedDocument, error) {
	doc, err := s.store.GetDocumentByShareToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return SharedDocument{}, errNotFound("Not found")
	}
	if err != nil {
		return SharedDocument{}, fmt.Errorf("load shared document: %w", err)
	}
	if doc.IsArchived {
		return SharedDocument{}, errNotFound("Not found")
	}
	if doc.ShareExpiresAt != nil && time.Now().After(*doc.ShareExpiresAt) {
		return SharedDocument{}, errNotFound("Not found")
	}
	blocks, err := s.store.ListBlocks(ctx, doc.ID)
	if err != nil {
		return SharedDocument{}, err
	}
	return SharedDocument{Document: doc, Blocks: blocks}, nil
}

// ---- document tree archiver ----

// CascadeResult reports a best-effort tree walk: the root mutation is
// never rolled back when a descendant step fails.
type CascadeResult struct {
	Document store.Document `json:"document"`
	Affected int            `json:"affected"`
	Failed   []string       `json:"failed,omitempty"`
}

func (s *Service) ArchiveDocument(ctx context.Context, session Session, documentID string) (CascadeResult, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return CascadeResult{}, err
	}
	if err := s.store.SetDocumentArchived(ctx, documentID, true); err != nil {
		return CascadeResult{}, err
	}
	result := s.cascadeArchived(ctx, doc.OwnerID, documentID, true)
	result.Document, err = s.store.GetDocument(ctx, documentID)
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}

func (s *Service) RestoreDocument(ctx context.Context, session Session, documentID string) (CascadeResult, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return CascadeResult{}, err
	}
	if err := s.store.SetDocumentArchived(ctx, documentID, false); err != nil {
		return CascadeResult{}, err
	}
	// Restoring into an archived parent would make the document
	// unreachable in the sidebar; detach it to the root instead.
	if doc.ParentID != nil {
		parent, err := s.store.GetDocument(ctx, *doc.ParentID)
		if err == nil && parent.IsArchived {
			if err := s.store.ClearDocumentParent(ctx, documentID); err != nil {
				return CascadeResult{}, err
			}
		}
	}
	result := s.cascadeArchived(ctx, doc.OwnerID, documentID, false)
	result.Document, err = s.store.GetDocument(ctx, documentID)
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}

// cascadeArchived walks every descendant depth-first and flips its
// archived flag. Failures are recorded per document id and the walk
// keeps going; the already-applied root change stands either way.
func (s *Service) cascadeArchived(ctx context.Context, ownerID, rootID string, archived bool) CascadeResult {
	result := CascadeResult{}
	stack := []string{rootID}
	for len(stack) > 0 {
		parentID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := s.store.ListChildDocuments(ctx, ownerID, parentID)
		if err != nil {
			log.Printf("archive cascade: list children of %s: %v", parentID, err)
			result.Failed = append(result.Failed, parentID)
			continue
		}
		for _, child := range children {
			if err := s.store.SetDocumentArchived(ctx, child.ID, archived); err != nil {
				log.Printf("archive cascade: mark %s: %v", child.ID, err)
				result.Failed = append(result.Failed, child.ID)
				continue
			}
			result.Affected++
			stack = append(stack, child.ID)
		}
	}
	return result
}

// RemoveDocument hard-deletes a document with its blocks, comments, and
// versions. Children are not touched: they surface at the root of the
// sidebar once their parent row is gone.
func (s *Service) RemoveDocument(ctx context.Context, session Session, documentID string) (store.Document, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.store.DeleteDocumentCascade(ctx, documentID); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// ---- blocks ----

// SyncBlocks reconciles the editor's full ordered block list into
// storage and, when history is enabled and the auto-version debounce has
// elapsed, records an automatic snapshot afterwards.
func (s *Service) SyncBlocks(ctx context.Context, session Session, documentID string, incoming []store.BlockInput) (store.SyncResult, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return store.SyncResult{}, err
	}
	result, err := s.store.SyncBlocks(ctx, documentID, session.UserID, incoming)
	if err != nil {
		return store.SyncResult{}, err
	}
	if err := s.maybeAutoVersion(ctx, doc, session.UserID); err != nil {
		// The sync itself succeeded; an auto-snapshot failure must not
		// fail the edit.
		log.Printf("auto-version %s: %v", documentID, err)
	}
	return result, nil
}

func (s *Service) ListBlocks(ctx context.Context, session Session, documentID string) ([]store.Block, error) {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return nil, err
	}
	return s.store.ListBlocks(ctx, documentID)
}

func (s *Service) CreateBlock(ctx context.Context, session Session, documentID, blockType, content, props string) (string, error) {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return "", err
	}
	if blockType == "" {
		return "", errValidation("block type is required", nil)
	}
	return s.store.InsertBlock(ctx, store.Block{
		DocumentID: documentID,
		Type:       blockType,
		Content:    content,
		Props:      props,
		UpdatedBy:  session.UserID,
	})
}

// requireBlockOwner resolves a block and checks the caller owns its
// document.
func (s *Service) requireBlockOwner(ctx context.Context, session Session, blockID string) (store.Block, error) {
	if session.UserID == "" {
		return store.Block{}, errUnauthenticated()
	}
	block, err := s.store.GetBlock(ctx, blockID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Block{}, errNotFound("Block not found")
	}
	if err != nil {
		return store.Block{}, fmt.Errorf("load block: %w", err)
	}
	if _, err := s.requireDocumentOwner(ctx, session, block.DocumentID); err != nil {
		return store.Block{}, err
	}
	return block, nil
}

func (s *Service) UpdateBlock(ctx context.Context, session Session, blockID, blockType, content, props string) error {
	if _, err := s.requireBlockOwner(ctx, session, blockID); err != nil {
		return err
	}
	updated, err := s.store.UpdateBlock(ctx, blockID, session.UserID, blockType, content, props)
	if err != nil {
		return err
	}
	if !updated {
		return errNotFound("Block not found")
	}
	return nil
}

func (s *Service) DeleteBlock(ctx context.Context, session Session, blockID string) error {
	if _, err := s.requireBlockOwner(ctx, session, blockID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteBlock(ctx, blockID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("Block not found")
	}
	return nil
}

func (s *Service) ReorderBlocks(ctx context.Context, session Session, documentID string, moves []store.BlockMove) error {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return err
	}
	if len(moves) == 0 {
		return errValidation("at least one move is required", nil)
	}
	return s.store.ReorderBlocks(ctx, documentID, session.UserID, moves)
}

// ---- version history ----

func (s *Service) CreateVersion(ctx context.Context, session Session, documentID, description string) (string, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return "", err
	}
	if description == "" {
		description = autoVersionDescription
	}
	version, err := s.snapshotDocument(ctx, doc, session.UserID, description)
	if err != nil {
		return "", err
	}
	return version.ID, nil
}

// snapshotDocument captures the document's current metadata and full
// block list into a new immutable version row.
func (s *Service) snapshotDocument(ctx context.Context, doc store.Document, userID, description string) (store.DocumentVersion, error) {
	blocks, err := s.store.ListBlocks(ctx, doc.ID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	snapshots := make([]store.BlockSnapshot, 0, len(blocks))
	for _, block := range blocks {
		snapshots = append(snapshots, store.BlockSnapshot{
			Type:     block.Type,
			Content:  block.Content,
			Props:    block.Props,
			Position: block.Position,
		})
	}
	version := store.DocumentVersion{
		ID:          util.NewID("ver"),
		DocumentID:  doc.ID,
		CreatedBy:   userID,
		Title:       doc.Title,
		Icon:        doc.Icon,
		CoverImage:  doc.CoverImage,
		Tags:        doc.Tags,
		Blocks:      snapshots,
		Description: description,
	}
	if err := s.store.InsertVersion(ctx, version); err != nil {
		return store.DocumentVersion{}, err
	}
	return version, nil
}

// requireVersionOwner resolves a version and checks the caller owns its
// document.
func (s *Service) requireVersionOwner(ctx context.Context, session Session, versionID string) (store.DocumentVersion, store.Document, error) {
	if session.UserID == "" {
		return store.DocumentVersion{}, store.Document{}, errUnauthenticated()
	}
	version, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentVersion{}, store.Document{}, errNotFound("Version not found")
	}
	if err != nil {
		return store.DocumentVersion{}, store.Document{}, fmt.Errorf("load version: %w", err)
	}
	doc, err := s.requireDocumentOwner(ctx, session, version.DocumentID)
	if err != nil {
		return store.DocumentVersion{}, store.Document{}, err
	}
	return version, doc, nil
}

// RestoreVersion rewinds a document to a prior snapshot. The current
// state is checkpointed first in its own transaction, so the restore is
// itself undoable even if applying the snapshot fails partway. Not
// atomic against concurrent edits: last write wins.
func (s *Service) RestoreVersion(ctx context.Context, session Session, versionID string) (string, error) {
	version, doc, err := s.requireVersionOwner(ctx, session, versionID)
	if err != nil {
		return "", err
	}
	if _, err := s.snapshotDocument(ctx, doc, session.UserID, restoreCheckpointDesc); err != nil {
		return "", fmt.Errorf("restore checkpoint: %w", err)
	}
	if err := s.store.ApplyVersionSnapshot(ctx, doc.ID, session.UserID, version); err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (s *Service) DeleteVersion(ctx context.Context, session Session, versionID string) error {
	if _, _, err := s.requireVersionOwner(ctx, session, versionID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("Version not found")
	}
	return nil
}

func (s *Service) GetDocumentVersions(ctx context.Context, session Session, documentID string) ([]store.DocumentVersion, error) {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return nil, err
	}
	return s.store.ListVersionsByDocument(ctx, documentID)
}

func (s *Service) GetVersionByID(ctx context.Context, session Session, versionID string) (store.DocumentVersion, error) {
	version, _, err := s.requireVersionOwner(ctx, session, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	return version, nil
}

// maybeAutoVersion records an automatic snapshot when history is enabled
// and the per-user debounce interval has elapsed since the last one.
func (s *Service) maybeAutoVersion(ctx context.Context, doc store.Document, userID string) error {
	policy, err := s.resolvePolicy(ctx, doc.OwnerID)
	if err != nil {
		return err
	}
	if !policy.HistoryEnabled {
		return nil
	}
	interval := time.Duration(policy.AutoVersionIntervalMs) * time.Millisecond
	now := time.Now()
	if doc.LastAutoVersionAt != nil && now.Sub(*doc.LastAutoVersionAt) < interval {
		return nil
	}
	if _, err := s.snapshotDocument(ctx, doc, userID, autoVersionDescription); err != nil {
		return err
	}
	return s.store.SetLastAutoVersion(ctx, doc.ID, now)
}

// ---- retention ----

// resolvePolicy reads the owner's retention policy through the cache
// when one is configured. Cache errors degrade to a direct store read.
func (s *Service) resolvePolicy(ctx context.Context, userID string) (store.UserPreferences, error) {
	if s.policies != nil {
		if prefs, ok, err := s.policies.Get(ctx, userID); err == nil && ok {
			return prefs, nil
		} else if err != nil {
			log.Printf("policy cache read %s: %v", userID, err)
		}
	}
	prefs, err := s.store.GetUserPreferences(ctx, userID)
	if err != nil {
		return store.UserPreferences{}, err
	}
	if s.policies != nil {
		if err := s.policies.Set(ctx, prefs); err != nil {
			log.Printf("policy cache write %s: %v", userID, err)
		}
	}
	return prefs, nil
}

// CleanupOldVersions deletes every version older than the owner's
// retention window and returns the count deleted.
func (s *Service) CleanupOldVersions(ctx context.Context, session Session, documentID string) (int, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return 0, err
	}
	return s.cleanupOldVersions(ctx, doc)
}

// EnforceMaxVersions keeps only the owner's configured number of most
// recent versions and returns the count deleted.
func (s *Service) EnforceMaxVersions(ctx context.Context, session Session, documentID string) (int, error) {
	doc, err := s.requireDocumentOwner(ctx, session, documentID)
	if err != nil {
		return 0, err
	}
	return s.enforceMaxVersions(ctx, doc)
}

func (s *Service) cleanupOldVersions(ctx context.Context, doc store.Document) (int, error) {
	policy, err := s.resolvePolicy(ctx, doc.OwnerID)
	if err != nil {
		return 0, err
	}
	days := policy.HistoryRetentionDays
	if days <= 0 {
		days = store.DefaultHistoryRetentionDays
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.store.DeleteVersionsBefore(ctx, doc.ID, cutoff)
}

func (s *Service) enforceMaxVersions(ctx context.Context, doc store.Document) (int, error) {
	policy, err := s.resolvePolicy(ctx, doc.OwnerID)
	if err != nil {
		return 0, err
	}
	keep := policy.HistoryMaxVersions
	if keep <= 0 {
		keep = store.DefaultHistoryMaxVersions
	}
	return s.store.DeleteVersionsBeyondCap(ctx, doc.ID, keep)
}

// SweepSummary aggregates one pass of the system-wide retention sweep.
type SweepSummary struct {
	Documents    int
	DeletedByAge int
	DeletedByCap int
	Failures     int
}

// SweepAllDocuments applies both retention caps to every document in
// the system. Each document is isolated: a failure is counted, logged,
// and skipped, never allowed to stop the sweep.
func (s *Service) SweepAllDocuments(ctx context.Context) SweepSummary {
	summary := SweepSummary{}
	batchSize := s.cfg.SweepBatchSize
	afterID := ""
	for {
		ids, err := s.store.ListDocumentIDs(ctx, afterID, batchSize)
		if err != nil {
			log.Printf("retention sweep: list documents after %q: %v", afterID, err)
			summary.Failures++
			break
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			summary.Documents++
			doc, err := s.store.GetDocument(ctx, id)
			if err != nil {
				log.Printf("retention sweep: load %s: %v", id, err)
				summary.Failures++
				continue
			}
			if deleted, err := s.cleanupOldVersions(ctx, doc); err != nil {
				log.Printf("retention sweep: cleanup %s: %v", id, err)
				summary.Failures++
			} else {
				summary.DeletedByAge += deleted
			}
			if deleted, err := s.enforceMaxVersions(ctx, doc); err != nil {
				log.Printf("retention sweep: enforce cap %s: %v", id, err)
				summary.Failures++
			} else {
				summary.DeletedByCap += deleted
			}
		}
		afterID = ids[len(ids)-1]
	}
	log.Printf("retention sweep: documents=%d deleted_by_age=%d deleted_by_cap=%d failures=%d",
		summary.Documents, summary.DeletedByAge, summary.DeletedByCap, summary.Failures)
	return summary
}

// ---- comments ----

func (s *Service) AddComment(ctx context.Context, session Session, documentID, body string) (store.Comment, error) {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return store.Comment{}, err
	}
	if body == "" {
		return store.Comment{}, errValidation("comment body is required", nil)
	}
	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		Body:       body,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, documentID string) ([]store.Comment, error) {
	if _, err := s.requireDocumentOwner(ctx, session, documentID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, documentID)
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	if session.UserID == "" {
		return errUnauthenticated()
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("Comment not found")
	}
	if err != nil {
		return fmt.Errorf("load comment: %w", err)
	}
	if _, err := s.requireDocumentOwner(ctx, session, comment.DocumentID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteComment(ctx, commentID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("Comment not found")
	}
	return nil
}

// ---- preferences ----

func (s *Service) GetPreferences(ctx context.Context, session Session) (store.UserPreferences, error) {
	if session.UserID == "" {
		return store.UserPreferences{}, errUnauthenticated()
	}
	return s.store.GetUserPreferences(ctx, session.UserID)
}

// UpdatePreferencesInput carries the writable retention settings.
type UpdatePreferencesInput struct {
	HistoryEnabled        bool `json:"historyEnabled"`
	AutoVersionIntervalMs int  `json:"autoVersionIntervalMs"`
	HistoryMaxVersions    int  `json:"historyMaxVersions"`
	HistoryRetentionDays  int  `json:"historyRetentionDays"`
	NotifyOnRestore       bool `json:"notifyOnRestore"`
}

// UpdatePreferences validates every value against its allowed set
// before writing anything: an invalid request changes nothing.
func (s *Service) UpdatePreferences(ctx context.Context, session Session, input UpdatePreferencesInput) (store.UserPreferences, error) {
	if session.UserID == "" {
		return store.UserPreferences{}, errUnauthenticated()
	}
	if _, ok := allowedAutoVersionIntervals[input.AutoVersionIntervalMs]; !ok {
		return store.UserPreferences{}, errValidation("autoVersionIntervalMs must be one of: 30000, 60000, 300000, 600000", nil)
	}
	if _, ok := allowedMaxVersions[input.HistoryMaxVersions]; !ok {
		return store.UserPreferences{}, errValidation("historyMaxVersions must be one of: 10, 25, 50, 100, 200", nil)
	}
	if _, ok := allowedRetentionDays[input.HistoryRetentionDays]; !ok {
		return store.UserPreferences{}, errValidation("historyRetentionDays must be one of: 7, 30, 90, 180, 365", nil)
	}
	prefs := store.UserPreferences{
		UserID:                session.UserID,
		HistoryEnabled:        input.HistoryEnabled,
		AutoVersionIntervalMs: input.AutoVersionIntervalMs,
		HistoryMaxVersions:    input.HistoryMaxVersions,
		HistoryRetentionDays:  input.HistoryRetentionDays,
		NotifyOnRestore:       input.NotifyOnRestore,
	}
	if err := s.store.UpsertUserPreferences(ctx, prefs); err != nil {
		return store.UserPreferences{}, err
	}
	if s.policies != nil {
		if err := s.policies.Invalidate(ctx, session.UserID); err != nil {
			log.Printf("policy cache invalidate %s: %v", session.UserID, err)
		}
	}
	return s.store.GetUserPreferences(ctx, session.UserID)
}
