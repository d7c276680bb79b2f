// internal/storage/sessions.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Corphon/SceneWeaver/internal/models"
)

// GetSessionRef 读取模拟某个角色最近使用的推理会话，没有时返回 nil
func (q *Queries) GetSessionRef(ctx context.Context, simulationID string, agent models.AgentRole) (*models.SessionRef, error) {
	var (
		ref       models.SessionRef
		driver    string
		updatedAt int64
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT simulation_id, agent, driver, session_id, static_prompt_hash, dynamic_prompt_hash, updated_at
		 FROM agent_sessions WHERE simulation_id = ? AND agent = ?`,
		simulationID, string(agent),
	).Scan(&ref.SimulationID, &ref.Agent, &driver, &ref.SessionID, &ref.StaticPromptHash, &ref.DynamicPromptHash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get session ref", err)
	}
	ref.Driver = []byte(driver)
	ref.UpdatedAt = fromMillis(updatedAt)
	return &ref, nil
}

// UpsertSessionRef 保存会话引用，每个 (模拟, 角色) 只保留一条
func (q *Queries) UpsertSessionRef(ctx context.Context, ref models.SessionRef) error {
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO agent_sessions (simulation_id, agent, driver, session_id, static_prompt_hash, dynamic_prompt_hash, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (simulation_id, agent) DO UPDATE SET
		   driver = excluded.driver,
		   session_id = excluded.session_id,
		   static_prompt_hash = excluded.static_prompt_hash,
		   dynamic_prompt_hash = excluded.dynamic_prompt_hash,
		   updated_at = excluded.updated_at`,
		ref.SimulationID, string(ref.Agent), string(ref.Driver), ref.SessionID,
		ref.StaticPromptHash, ref.DynamicPromptHash, toMillis(ref.UpdatedAt),
	)
	return persistErr("upsert session ref", err)
}

// DeleteSessionRef 删除会话引用
func (q *Queries) DeleteSessionRef(ctx context.Context, simulationID string, agent models.AgentRole) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE simulation_id = ? AND agent = ?`,
		simulationID, string(agent),
	)
	return persistErr("delete session ref", err)
}
