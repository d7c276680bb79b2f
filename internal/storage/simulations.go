// internal/storage/simulations.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/SceneWeaver/internal/models"
)

const simulationColumns = `id, scenario_id, current_update_id, starter_episode_id, created_at`

// CreateSimulation 插入模拟，ID 和创建时间为空时自动生成
func (q *Queries) CreateSimulation(ctx context.Context, sim *models.Simulation) error {
	if sim.ID == "" {
		sim.ID = uuid.NewString()
	}
	if sim.CreatedAt.IsZero() {
		sim.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO simulations (`+simulationColumns+`) VALUES (?, ?, ?, ?, ?)`,
		sim.ID, sim.ScenarioID, nullString(sim.CurrentUpdateID), nullString(sim.StarterEpisodeID), toMillis(sim.CreatedAt),
	)
	return persistErr("create simulation", err)
}

// GetSimulation 按ID读取模拟
func (q *Queries) GetSimulation(ctx context.Context, id string) (*models.Simulation, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+simulationColumns+` FROM simulations WHERE id = ?`, id)
	sim, err := scanSimulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("simulation", id)
	}
	if err != nil {
		return nil, persistErr("get simulation", err)
	}
	return sim, nil
}

// ListSimulations 按创建时间倒序列出模拟
func (q *Queries) ListSimulations(ctx context.Context) ([]models.Simulation, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+simulationColumns+` FROM simulations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, persistErr("list simulations", err)
	}
	defer rows.Close()

	var out []models.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, persistErr("scan simulation", err)
		}
		out = append(out, *sim)
	}
	return out, persistErr("list simulations", rows.Err())
}

// SetCurrentUpdate 移动模拟的头指针
func (q *Queries) SetCurrentUpdate(ctx context.Context, simulationID string, updateID *string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE simulations SET current_update_id = ? WHERE id = ?`,
		nullString(updateID), simulationID,
	)
	if err != nil {
		return persistErr("set current update", err)
	}
	return expectOne(res, "simulation", simulationID)
}

// DeleteSimulation 删除模拟，更新、检查点和会话引用级联删除
func (q *Queries) DeleteSimulation(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM simulations WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete simulation", err)
	}
	return expectOne(res, "simulation", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (*models.Simulation, error) {
	var (
		sim       models.Simulation
		current   sql.NullString
		starter   sql.NullString
		createdAt int64
	)
	if err := row.Scan(&sim.ID, &sim.ScenarioID, &current, &starter, &createdAt); err != nil {
		return nil, err
	}
	sim.CurrentUpdateID = stringPtr(current)
	sim.StarterEpisodeID = stringPtr(starter)
	sim.CreatedAt = fromMillis(createdAt)
	return &sim, nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("rows affected", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}
