package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitushen/modelprobe/internal/models"
)

// MaxSampleLen 是历史记录中保存的响应样本最大长度（字符）。
const MaxSampleLen = 1000

// ReplaceModels 用最新的 /api/tags 列表替换端点的模型记录。
func (s *Store) ReplaceModels(ctx context.Context, endpointID int64, list []models.Model) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE endpoint_id = ?`, endpointID); err != nil {
		return fmt.Errorf("clear models: %w", err)
	}
	for _, m := range list {
		if m.Name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO models (endpoint_id, name, size, parameter_size, quantization_level) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(endpoint_id, name) DO UPDATE SET size = excluded.size,
				parameter_size = excluded.parameter_size, quantization_level = excluded.quantization_level`,
			endpointID, m.Name, m.Size, m.ParameterSize, m.QuantizationLevel,
		); err != nil {
			return fmt.Errorf("insert model %s: %w", m.Name, err)
		}
	}
	return tx.Commit()
}

// ListModels 返回端点的模型，按名称排序。
func (s *Store) ListModels(ctx context.Context, endpointID int64) ([]models.Model, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT endpoint_id, name, size, parameter_size, quantization_level FROM models WHERE endpoint_id = ? ORDER BY name ASC`,
		endpointID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		if err := rows.Scan(&m.EndpointID, &m.Name, &m.Size, &m.ParameterSize, &m.QuantizationLevel); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordVerification 写入一条校验历史。
func (s *Store) RecordVerification(ctx context.Context, rec models.VerificationRecord) (int64, error) {
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = time.Now()
	}
	detected := rec.DetectedModels
	if detected == nil {
		detected = []string{}
	}
	names, err := json.Marshal(detected)
	if err != nil {
		return 0, fmt.Errorf("encode detected models: %w", err)
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO endpoint_verifications
			(endpoint_id, checked_at, status, reason, is_honeypot, response_sample, detected_models, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EndpointID, rec.CheckedAt.UTC(), string(rec.Status), rec.Reason, boolToInt(rec.IsHoneypot),
		truncate(rec.ResponseSample, MaxSampleLen), string(names), rec.DurationMS,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListVerifications 返回端点最近的校验历史，最新的在前。
func (s *Store) ListVerifications(ctx context.Context, endpointID int64, limit int) ([]models.VerificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, endpoint_id, checked_at, status, reason, is_honeypot, response_sample, detected_models, duration_ms
		 FROM endpoint_verifications WHERE endpoint_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`,
		endpointID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VerificationRecord
	for rows.Next() {
		var (
			rec      models.VerificationRecord
			status   string
			honeypot int
			names    string
		)
		if err := rows.Scan(&rec.ID, &rec.EndpointID, &rec.CheckedAt, &status, &rec.Reason, &honeypot,
			&rec.ResponseSample, &names, &rec.DurationMS); err != nil {
			return nil, err
		}
		rec.Status = models.ProbeStatus(status)
		rec.IsHoneypot = honeypot == 1
		if err := json.Unmarshal([]byte(names), &rec.DetectedModels); err != nil {
			return nil, fmt.Errorf("decode detected models: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
