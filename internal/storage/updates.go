// internal/storage/updates.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/SceneWeaver/internal/models"
)

const writerColumns = `id, simulation_id, parent_update_id, next_update_id, checkpoint_id, character_id,
    simulation_day_clock, text, created_by_player, episode_id, episode_chunk_index,
    did_consolidate, preference, created_at`

// prefixed 给列名加上表别名，供 CTE 连接使用
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// InsertWriterUpdate 插入写手更新，ID 和创建时间为空时自动生成
func (q *Queries) InsertWriterUpdate(ctx context.Context, u *models.WriterUpdate) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO writer_updates (`+writerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SimulationID, nullString(u.ParentUpdateID), nullString(u.NextUpdateID), u.CheckpointID,
		nullString(u.CharacterID), u.SimulationDayClock, u.Text, boolInt(u.CreatedByPlayer),
		nullString(u.EpisodeID), nullInt(u.EpisodeChunkIndex), boolInt(u.DidConsolidate),
		preferenceValue(u.Preference), toMillis(u.CreatedAt),
	)
	return persistErr("insert writer update", err)
}

// GetWriterUpdate 按ID读取写手更新
func (q *Queries) GetWriterUpdate(ctx context.Context, id string) (*models.WriterUpdate, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+writerColumns+` FROM writer_updates WHERE id = ?`, id)
	u, err := scanWriterUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("writer update", id)
	}
	if err != nil {
		return nil, persistErr("get writer update", err)
	}
	return u, nil
}

// SetNextUpdate 更新正典子节点指针
func (q *Queries) SetNextUpdate(ctx context.Context, id string, next *string) error {
	res, err := q.q.ExecContext(ctx, `UPDATE writer_updates SET next_update_id = ? WHERE id = ?`, nullString(next), id)
	if err != nil {
		return persistErr("set next update", err)
	}
	return expectOne(res, "writer update", id)
}

// SetDidConsolidate 标记该更新之后建立了检查点
func (q *Queries) SetDidConsolidate(ctx context.Context, id string, did bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE writer_updates SET did_consolidate = ? WHERE id = ?`, boolInt(did), id)
	if err != nil {
		return persistErr("set did consolidate", err)
	}
	return expectOne(res, "writer update", id)
}

// SetWriterPreference 记录玩家对写手更新的评价
func (q *Queries) SetWriterPreference(ctx context.Context, id string, pref models.Preference) error {
	res, err := q.q.ExecContext(ctx, `UPDATE writer_updates SET preference = ? WHERE id = ?`, preferenceValue(pref), id)
	if err != nil {
		return persistErr("set writer preference", err)
	}
	return expectOne(res, "writer update", id)
}

// Siblings 返回同一父节点下的所有变体，按创建顺序。parentID 为 nil 时返回第一层。
func (q *Queries) Siblings(ctx context.Context, simulationID string, parentID *string) ([]models.WriterUpdate, error) {
	return q.listWriterUpdates(ctx, "siblings",
		`SELECT `+writerColumns+` FROM writer_updates
		 WHERE simulation_id = ? AND parent_update_id IS ?
		 ORDER BY created_at, rowid`,
		simulationID, nullString(parentID),
	)
}

// AncestorQuery 祖先查询条件
type AncestorQuery struct {
	// CheckpointID 非空时只返回属于该检查点窗口的更新
	CheckpointID string
	// IncludeSelf 结果是否包含起点
	IncludeSelf bool
	// Limit 只取离起点最近的若干条，0 表示全部
	Limit int
}

// Ancestors 沿 parent_update_id 向上遍历，结果从旧到新排列
func (q *Queries) Ancestors(ctx context.Context, id string, opts AncestorQuery) ([]models.WriterUpdate, error) {
	query := `WITH RECURSIVE chain(id, depth) AS (
    SELECT id, 0 FROM writer_updates WHERE id = ?
    UNION ALL
    SELECT w.parent_update_id, chain.depth + 1
    FROM writer_updates w JOIN chain ON w.id = chain.id
    WHERE w.parent_update_id IS NOT NULL
)
SELECT ` + prefixed("w", writerColumns) + `
FROM chain JOIN writer_updates w ON w.id = chain.id
WHERE 1 = 1`
	args := []any{id}
	if !opts.IncludeSelf {
		query += ` AND chain.depth > 0`
	}
	if opts.CheckpointID != "" {
		query += ` AND w.checkpoint_id = ?`
		args = append(args, opts.CheckpointID)
	}
	query += ` ORDER BY chain.depth`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	out, err := q.listWriterUpdates(ctx, "ancestors", query, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Descendants 沿 next_update_id 向下遍历正典链，不含起点，结果从旧到新排列
func (q *Queries) Descendants(ctx context.Context, id string, limit int) ([]models.WriterUpdate, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.listWriterUpdates(ctx, "descendants",
		`WITH RECURSIVE chain(id, depth) AS (
    SELECT next_update_id, 1 FROM writer_updates WHERE id = ? AND next_update_id IS NOT NULL
    UNION ALL
    SELECT w.next_update_id, chain.depth + 1
    FROM writer_updates w JOIN chain ON w.id = chain.id
    WHERE w.next_update_id IS NOT NULL
)
SELECT `+prefixed("w", writerColumns)+`
FROM chain JOIN writer_updates w ON w.id = chain.id
ORDER BY chain.depth
LIMIT ?`,
		id, limit,
	)
}

func (q *Queries) listWriterUpdates(ctx context.Context, op, query string, args ...any) ([]models.WriterUpdate, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var out []models.WriterUpdate
	for rows.Next() {
		u, err := scanWriterUpdate(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

func scanWriterUpdate(row rowScanner) (*models.WriterUpdate, error) {
	var (
		u           models.WriterUpdate
		parent      sql.NullString
		next        sql.NullString
		character   sql.NullString
		episode     sql.NullString
		chunk       sql.NullInt64
		byPlayer    int
		consolidate int
		preference  sql.NullInt64
		createdAt   int64
	)
	if err := row.Scan(&u.ID, &u.SimulationID, &parent, &next, &u.CheckpointID, &character,
		&u.SimulationDayClock, &u.Text, &byPlayer, &episode, &chunk,
		&consolidate, &preference, &createdAt); err != nil {
		return nil, err
	}
	u.ParentUpdateID = stringPtr(parent)
	u.NextUpdateID = stringPtr(next)
	u.CharacterID = stringPtr(character)
	u.CreatedByPlayer = byPlayer != 0
	u.EpisodeID = stringPtr(episode)
	u.EpisodeChunkIndex = intPtr(chunk)
	u.DidConsolidate = consolidate != 0
	u.Preference = preferenceFrom(preference)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

const directorColumns = `id, writer_update_id, code, preference, created_at`

// InsertDirectorUpdate 插入导演更新，命令以 JSON 数组保存
func (q *Queries) InsertDirectorUpdate(ctx context.Context, u *models.DirectorUpdate) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	code := u.Code
	if code == nil {
		code = models.Commands{}
	}
	data, err := json.Marshal(code)
	if err != nil {
		return persistErr("encode director code", err)
	}
	_, err = q.q.ExecContext(ctx,
		`INSERT INTO director_updates (`+directorColumns+`) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.WriterUpdateID, string(data), preferenceValue(u.Preference), toMillis(u.CreatedAt),
	)
	return persistErr("insert director update", err)
}

// AppliedDirectorUpdate 返回写手更新当前生效的导演更新：
// 最近一次标记为喜欢的优先，否则取最新创建的。没有时返回 nil。
func (q *Queries) AppliedDirectorUpdate(ctx context.Context, writerUpdateID string) (*models.DirectorUpdate, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+directorColumns+` FROM director_updates
		 WHERE writer_update_id = ?
		 ORDER BY COALESCE(preference, 0) = 1 DESC, created_at DESC, rowid DESC
		 LIMIT 1`,
		writerUpdateID,
	)
	u, err := scanDirectorUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("applied director update", err)
	}
	return u, nil
}

// DirectorUpdates 返回写手更新的全部导演更新，按创建顺序
func (q *Queries) DirectorUpdates(ctx context.Context, writerUpdateID string) ([]models.DirectorUpdate, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+directorColumns+` FROM director_updates WHERE writer_update_id = ? ORDER BY created_at, rowid`,
		writerUpdateID,
	)
	if err != nil {
		return nil, persistErr("director updates", err)
	}
	defer rows.Close()

	var out []models.DirectorUpdate
	for rows.Next() {
		u, err := scanDirectorUpdate(rows)
		if err != nil {
			return nil, persistErr("director updates", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("director updates", err)
	}
	return out, nil
}

func scanDirectorUpdate(row rowScanner) (*models.DirectorUpdate, error) {
	var (
		u          models.DirectorUpdate
		code       string
		preference sql.NullInt64
		createdAt  int64
	)
	if err := row.Scan(&u.ID, &u.WriterUpdateID, &code, &preference, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(code), &u.Code); err != nil {
		return nil, err
	}
	u.Preference = preferenceFrom(preference)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}
