// internal/storage/checkpoints.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/SceneWeaver/internal/models"
)

const checkpointColumns = `id, simulation_id, writer_update_id, summary, state, created_at`

// UpsertCheckpoint 插入检查点；同一 (simulation_id, writer_update_id) 已存在时
// 更新摘要和状态。cp.ID 被设置为实际行的ID。
func (q *Queries) UpsertCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return persistErr("encode checkpoint state", err)
	}

	var row *sql.Row
	if cp.WriterUpdateID == nil {
		row = q.q.QueryRowContext(ctx,
			`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, NULL, ?, ?, ?)
			 ON CONFLICT (simulation_id) WHERE writer_update_id IS NULL
			 DO UPDATE SET summary = excluded.summary, state = excluded.state
			 RETURNING id, created_at`,
			cp.ID, cp.SimulationID, nullString(cp.Summary), string(state), toMillis(cp.CreatedAt),
		)
	} else {
		row = q.q.QueryRowContext(ctx,
			`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (simulation_id, writer_update_id)
			 DO UPDATE SET summary = excluded.summary, state = excluded.state
			 RETURNING id, created_at`,
			cp.ID, cp.SimulationID, *cp.WriterUpdateID, nullString(cp.Summary), string(state), toMillis(cp.CreatedAt),
		)
	}

	var createdAt int64
	if err := row.Scan(&cp.ID, &createdAt); err != nil {
		return persistErr("upsert checkpoint", err)
	}
	cp.CreatedAt = fromMillis(createdAt)
	return nil
}

// GetCheckpoint 按ID读取检查点
func (q *Queries) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	cp, err := q.oneCheckpoint(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, notFound("checkpoint", id)
	}
	return cp, nil
}

// RootCheckpoint 返回模拟开始时的根检查点
func (q *Queries) RootCheckpoint(ctx context.Context, simulationID string) (*models.Checkpoint, error) {
	cp, err := q.oneCheckpoint(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE simulation_id = ? AND writer_update_id IS NULL`,
		simulationID,
	)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, notFound("root checkpoint of simulation", simulationID)
	}
	return cp, nil
}

// CheckpointAt 返回锚定在写手更新上的检查点，没有时返回 nil
func (q *Queries) CheckpointAt(ctx context.Context, simulationID, writerUpdateID string) (*models.Checkpoint, error) {
	return q.oneCheckpoint(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE simulation_id = ? AND writer_update_id = ?`,
		simulationID, writerUpdateID,
	)
}

// Checkpoints 列出模拟的全部检查点，按创建顺序
func (q *Queries) Checkpoints(ctx context.Context, simulationID string) ([]models.Checkpoint, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE simulation_id = ? ORDER BY created_at, rowid`,
		simulationID,
	)
	if err != nil {
		return nil, persistErr("list checkpoints", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, persistErr("list checkpoints", err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list checkpoints", err)
	}
	return out, nil
}

func (q *Queries) oneCheckpoint(ctx context.Context, query string, args ...any) (*models.Checkpoint, error) {
	cp, err := scanCheckpoint(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get checkpoint", err)
	}
	return cp, nil
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		writer    sql.NullString
		summary   sql.NullString
		state     string
		createdAt int64
	)
	if err := row.Scan(&cp.ID, &cp.SimulationID, &writer, &summary, &state, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, err
	}
	cp.WriterUpdateID = stringPtr(writer)
	cp.Summary = stringPtr(summary)
	cp.CreatedAt = fromMillis(createdAt)
	return &cp, nil
}
