package store

import (
	"context"
	"database/sql"
	"fmt"

	"notebase/api/internal/util"
)

// BlockInput is one element of the editor's full ordered block list. Its
// index in the slice is its position; any id the editor sends is ignored
// on purpose (positional correspondence, see reconcileBlocks).
type BlockInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Props   string `json:"props"`
}

// BlockMove repositions a single stored block.
type BlockMove struct {
	BlockID     string `json:"blockId"`
	NewPosition int    `json:"newPosition"`
}

// SyncResult reports what a reconciliation actually wrote.
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

type blockUpdate struct {
	blockID  string
	input    BlockInput
	position int
}

type blockInsert struct {
	input    BlockInput
	position int
}

type blockOps struct {
	updates   []blockUpdate
	inserts   []blockInsert
	deleteIDs []string
}

// reconcileBlocks diffs the editor's full ordered list against the
// stored blocks. Correspondence is positional: incoming index i is
// matched to the i-th stored block in fetch order, never to a block id.
// Stored blocks beyond the incoming length are deleted; unchanged blocks
// produce no operation at all.
func reconcileBlocks(existing []Block, incoming []BlockInput) blockOps {
	var ops blockOps
	for i, in := range incoming {
		if i < len(existing) {
			current := existing[i]
			if current.Type != in.Type || current.Content != in.Content || current.Props != in.Props || current.Position != i {
				ops.updates = append(ops.updates, blockUpdate{blockID: current.ID, input: in, position: i})
			}
			continue
		}
		ops.inserts = append(ops.inserts, blockInsert{input: in, position: i})
	}
	for j := len(incoming); j < len(existing); j++ {
		ops.deleteIDs = append(ops.deleteIDs, existing[j].ID)
	}
	return ops
}

// SyncBlocks reconciles the incoming block list into the stored set in
// one transaction: after it commits, stored count and order match the
// incoming array exactly. Retrying with the same input is a no-op.
func (s *PostgresStore) SyncBlocks(ctx context.Context, documentID, userID string, incoming []BlockInput) (SyncResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, fmt.Errorf("begin sync blocks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := listBlocksForUpdate(ctx, tx, documentID)
	if err != nil {
		return SyncResult{}, err
	}

	ops := reconcileBlocks(existing, incoming)

	for _, update := range ops.updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE blocks
			SET type=$2, content=$3, props=$4, position=$5, version=version+1, updated_by=$6, updated_at=NOW()
			WHERE id=$1
		`, update.blockID, update.input.Type, update.input.Content, update.input.Props, update.position, userID); err != nil {
			return SyncResult{}, fmt.Errorf("sync update block: %w", err)
		}
	}
	for _, insert := range ops.inserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (id, document_id, type, content, props, position, version, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		`, util.NewID("blk"), documentID, insert.input.Type, insert.input.Content, insert.input.Props, insert.position, userID); err != nil {
			return SyncResult{}, fmt.Errorf("sync insert block: %w", err)
		}
	}
	for _, blockID := range ops.deleteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE id=$1`, blockID); err != nil {
			return SyncResult{}, fmt.Errorf("sync delete block: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return SyncResult{}, fmt.Errorf("commit sync blocks: %w", err)
	}
	return SyncResult{
		Created: len(ops.inserts),
		Updated: len(ops.updates),
		Deleted: len(ops.deleteIDs),
	}, nil
}

const blockColumns = `id, document_id, type, content, COALESCE(props, ''), position, version, updated_by, created_at, updated_at`

// Fetch order is pinned to (position, id) so positional correspondence
// is stable across calls.
func listBlocksForUpdate(ctx context.Context, tx *sql.Tx, documentID string) ([]Block, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE document_id=$1
		ORDER BY position ASC, id ASC
		FOR UPDATE
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("lock blocks: %w", err)
	}
	return collectBlocks(rows)
}

func (s *PostgresStore) ListBlocks(ctx context.Context, documentID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE document_id=$1
		ORDER BY position ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return collectBlocks(rows)
}

func collectBlocks(rows *sql.Rows) ([]Block, error) {
	defer rows.Close()
	items := make([]Block, 0)
	for rows.Next() {
		var item Block
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.Type,
			&item.Content,
			&item.Props,
			&item.Position,
			&item.Version,
			&item.UpdatedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (Block, error) {
	var item Block
	err := s.db.QueryRowContext(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE id=$1
	`, blockID).Scan(
		&item.ID,
		&item.DocumentID,
		&item.Type,
		&item.Content,
		&item.Props,
		&item.Position,
		&item.Version,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Block{}, err
	}
	return item, nil
}

// InsertBlock appends one block after the current tail.
func (s *PostgresStore) InsertBlock(ctx context.Context, block Block) (string, error) {
	blockID := util.NewID("blk")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (id, document_id, type, content, props, position, version, updated_by)
		SELECT $1, $2, $3, $4, $5, COALESCE(MAX(position) + 1, 0), 1, $6
		FROM blocks WHERE document_id=$2
	`, blockID, block.DocumentID, block.Type, block.Content, block.Props, block.UpdatedBy)
	if err != nil {
		return "", fmt.Errorf("insert block: %w", err)
	}
	return blockID, nil
}

func (s *PostgresStore) UpdateBlock(ctx context.Context, blockID, userID, blockType, content, props string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE blocks
		SET type=$2, content=$3, props=$4, version=version+1, updated_by=$5, updated_at=NOW()
		WHERE id=$1
	`, blockID, blockType, content, props, userID)
	if err != nil {
		return false, fmt.Errorf("update block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update block rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id=$1`, blockID)
	if err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete block rows: %w", err)
	}
	return affected > 0, nil
}

// ReorderBlocks applies explicit position moves in one transaction.
func (s *PostgresStore) ReorderBlocks(ctx context.Context, documentID, userID string, moves []BlockMove) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder blocks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, move := range moves {
		if _, err := tx.ExecContext(ctx, `
			UPDATE blocks
			SET position=$3, version=version+1, updated_by=$4, updated_at=NOW()
			WHERE id=$1 AND document_id=$2
		`, move.BlockID, documentID, move.NewPosition, userID); err != nil {
			return fmt.Errorf("reorder block: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder blocks: %w", err)
	}
	return nil
}

// ApplyVersionSnapshot rewrites a document to match a version snapshot in
// one transaction: patches the metadata fields, drops every current
// block, and recreates the snapshot blocks in stored order with their
// version counters reset to 1 and the acting user as modifier.
func (s *PostgresStore) ApplyVersionSnapshot(ctx context.Context, documentID, userID string, version DocumentVersion) error {
	tags, err := encodeTags(version.Tags)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, icon=NULLIF($3, ''), cover_image=NULLIF($4, ''), tags=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, documentID, version.Title, version.Icon, version.CoverImage, tags); err != nil {
		return fmt.Errorf("apply snapshot metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("apply snapshot delete blocks: %w", err)
	}

	for _, snapshot := range version.Blocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (id, document_id, type, content, props, position, version, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		`, util.NewID("blk"), documentID, snapshot.Type, snapshot.Content, snapshot.Props, snapshot.Position, userID); err != nil {
			return fmt.Errorf("apply snapshot insert block: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply snapshot: %w", err)
	}
	return nil
}
