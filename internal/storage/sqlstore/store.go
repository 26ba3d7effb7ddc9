package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/unlearning"
)

// Store 实现决策日志、联邦轮次与遗忘请求的持久化。
type Store struct {
	db *sql.DB
}

// Open 连接数据库并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &Store{db: db}, nil
}

// Close 释放连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping 检查连接可用性。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveEntry 实现 decision.Persister。
func (s *Store) SaveEntry(ctx context.Context, entry decision.Entry) error {
	payload, err := json.Marshal(entry.Decision)
	if err != nil {
		return fmt.Errorf("序列化决策失败: %w", err)
	}
	const query = `INSERT INTO decisions (seq, id, agent_id, created_at, payload) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		entry.Seq, entry.Decision.ID, entry.Decision.AgentID, entry.Decision.Timestamp.UnixMilli(), string(payload)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入决策失败")
	}
	return nil
}

// LoadEntries 实现 decision.Persister，按序号升序返回。
func (s *Store) LoadEntries(ctx context.Context) ([]decision.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload FROM decisions ORDER BY seq ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询决策失败")
	}
	defer rows.Close()

	var out []decision.Entry
	for rows.Next() {
		var (
			seq     uint64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("解析决策失败: %w", err)
		}
		var d decision.Decision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("反序列化决策 %d 失败: %w", seq, err)
		}
		out = append(out, decision.Entry{Seq: seq, Decision: d})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历决策失败: %w", err)
	}
	return out, nil
}

// SaveRound 实现 federated.RoundStore。进程重启后轮次编号会重新开始，因此以随机 ID 作主键。
func (s *Store) SaveRound(ctx context.Context, round federated.Round) error {
	payload, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("序列化联邦轮次失败: %w", err)
	}
	const query = `INSERT INTO federated_rounds (id, number, participants, accuracy, created_at, payload) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), round.Number, round.Participants, round.Accuracy, round.Timestamp.UnixMilli(), string(payload)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入联邦轮次失败")
	}
	return nil
}

// LoadRounds 按写入时间倒序返回最多 limit 条轮次记录。
func (s *Store) LoadRounds(ctx context.Context, limit int) ([]federated.Round, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM federated_rounds ORDER BY created_at DESC, number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询联邦轮次失败")
	}
	defer rows.Close()

	var out []federated.Round
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("解析联邦轮次失败: %w", err)
		}
		var r federated.Round
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("反序列化联邦轮次失败: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历联邦轮次失败: %w", err)
	}
	return out, nil
}

// Create 实现 unlearning.Store。
func (s *Store) Create(ctx context.Context, req *unlearning.Request) error {
	if _, err := s.Get(ctx, req.ID); err == nil {
		return xerrors.New(xerrors.CodeConflict, "遗忘请求已存在", xerrors.WithMetadata("request_id", req.ID))
	} else if !errors.Is(err, unlearning.ErrRequestNotFound) {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化遗忘请求失败: %w", err)
	}
	ts := req.CreatedAt.UnixMilli()
	const query = `INSERT INTO unlearning_requests (id, agent_id, status, created_at, updated_at, payload) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, req.ID, req.AgentID, string(req.Status), ts, ts, string(payload)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入遗忘请求失败")
	}
	return nil
}

// Get 实现 unlearning.Store。
func (s *Store) Get(ctx context.Context, id string) (*unlearning.Request, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM unlearning_requests WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, unlearning.ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询遗忘请求失败")
	}
	return decodeRequest(payload)
}

// Save 实现 unlearning.Store。
func (s *Store) Save(ctx context.Context, req *unlearning.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化遗忘请求失败: %w", err)
	}
	updated := req.CreatedAt
	if !req.CompletedAt.IsZero() {
		updated = req.CompletedAt
	}
	const query = `UPDATE unlearning_requests SET status = ?, updated_at = ?, payload = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(req.Status), updated.UnixMilli(), string(payload), req.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新遗忘请求失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL 在数据未变化时同样返回 0，需要再确认一次是否存在。
		if _, getErr := s.Get(ctx, req.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// List 实现 unlearning.Store。
func (s *Store) List(ctx context.Context, limit int) ([]*unlearning.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM unlearning_requests ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询遗忘请求失败")
	}
	defer rows.Close()

	var out []*unlearning.Request
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("解析遗忘请求失败: %w", err)
		}
		req, err := decodeRequest(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历遗忘请求失败: %w", err)
	}
	return out, nil
}

func decodeRequest(payload string) (*unlearning.Request, error) {
	var req unlearning.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("反序列化遗忘请求失败: %w", err)
	}
	return &req, nil
}

var (
	_ decision.Persister   = (*Store)(nil)
	_ federated.RoundStore = (*Store)(nil)
	_ unlearning.Store     = (*Store)(nil)
)
