package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitushen/modelprobe/internal/models"
)

// EndpointQuery 用于列举端点时提供可选过滤条件。
type EndpointQuery struct {
	State    string // all, eligible, verified, unverified, invalid, honeypot, inactive
	Search   string
	SortBy   string
	SortDesc bool
	Page     int
	PageSize int
}

// StateCounts 是各状态的端点数量。
type StateCounts struct {
	Total      int `json:"total"`
	Unverified int `json:"unverified"`
	Verified   int `json:"verified"`
	Invalid    int `json:"invalid"`
	Honeypots  int `json:"honeypots"`
	Inactive   int `json:"inactive"`
	Eligible   int `json:"eligible"`
}

const endpointColumns = `id, host, port, verified, is_honeypot, honeypot_reason, is_active, inactive_reason,
	last_check_date, scan_date, verification_date`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (*models.Endpoint, error) {
	var (
		e                     models.Endpoint
		verified              int
		honeypot, active      int
		lastCheck, verifiedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Host, &e.Port, &verified, &honeypot, &e.HoneypotReason, &active, &e.InactiveReason,
		&lastCheck, &e.ScanDate, &verifiedAt); err != nil {
		return nil, err
	}
	e.Verified = models.VerificationState(verified)
	e.IsHoneypot = honeypot == 1
	e.IsActive = active == 1
	if lastCheck.Valid {
		e.LastCheckDate = lastCheck.Time
	}
	if verifiedAt.Valid {
		e.VerificationDate = verifiedAt.Time
	}
	return &e, nil
}

// ListCandidates 返回全部端点，最久未校验的排在前面。limit <= 0 表示不限制。
func (s *Store) ListCandidates(ctx context.Context, limit int) ([]models.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints
		ORDER BY verification_date IS NOT NULL, verification_date ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// GetEndpoint 根据 ID 获取端点。
func (s *Store) GetEndpoint(ctx context.Context, id int64) (*models.Endpoint, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindEndpoint 根据 (host, port) 查询端点。
func (s *Store) FindEndpoint(ctx context.Context, host string, port int) (*models.Endpoint, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE host = ? AND port = ?`, host, port)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// AddCandidate 登记一个新发现的端点。已存在的 Invalid 端点重新回到 Unverified，
// 其他状态保持不变，蜜罐标记不会被清除。
func (s *Store) AddCandidate(ctx context.Context, host string, port int) (*models.Endpoint, error) {
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO endpoints (host, port, verified, is_active, scan_date) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(host, port) DO UPDATE SET
			scan_date = excluded.scan_date,
			verified = CASE WHEN verified = ? THEN ? ELSE verified END`,
		host, port, int(models.Unverified), now, int(models.Invalid), int(models.Unverified),
	)
	if err != nil {
		return nil, fmt.Errorf("add candidate %s:%d: %w", host, port, err)
	}
	return s.FindEndpoint(ctx, host, port)
}

// SetVerified 写入校验状态与校验时间。
func (s *Store) SetVerified(ctx context.Context, id int64, state models.VerificationState, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE endpoints SET verified = ?, verification_date = ?, last_check_date = ? WHERE id = ?`,
		int(state), nullTime(at), nullTime(at), id,
	)
}

// SetHoneypot 标记端点为蜜罐。
func (s *Store) SetHoneypot(ctx context.Context, id int64, reason string) error {
	return s.execOne(ctx, `UPDATE endpoints SET is_honeypot = 1, honeypot_reason = ? WHERE id = ?`, reason, id)
}

// ClearHoneypot 清除蜜罐标记，仅用于显式的重新校验。
func (s *Store) ClearHoneypot(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE endpoints SET is_honeypot = 0, honeypot_reason = '' WHERE id = ?`, id)
}

// SetActive 更新在线状态。
func (s *Store) SetActive(ctx context.Context, id int64, active bool, reason string, at time.Time) error {
	if active {
		reason = ""
	}
	return s.execOne(ctx,
		`UPDATE endpoints SET is_active = ?, inactive_reason = ?, last_check_date = ? WHERE id = ?`,
		boolToInt(active), reason, nullTime(at), id,
	)
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEndpoints 结合过滤与分页条件返回端点。
func (s *Store) ListEndpoints(ctx context.Context, q *EndpointQuery) ([]models.Endpoint, int, error) {
	query := &EndpointQuery{}
	if q != nil {
		*query = *q
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize < 0 {
		query.PageSize = 0
	}

	base := `FROM endpoints WHERE 1 = 1`
	var args []interface{}

	switch strings.ToLower(strings.TrimSpace(query.State)) {
	case "", "all":
	case "eligible":
		base += ` AND verified = ? AND is_honeypot = 0 AND is_active = 1`
		args = append(args, int(models.Verified))
	case "verified":
		base += ` AND verified = ?`
		args = append(args, int(models.Verified))
	case "unverified":
		base += ` AND verified = ?`
		args = append(args, int(models.Unverified))
	case "invalid":
		base += ` AND verified = ?`
		args = append(args, int(models.Invalid))
	case "honeypot":
		base += ` AND is_honeypot = 1`
	case "inactive":
		base += ` AND is_active = 0`
	default:
		return nil, 0, fmt.Errorf("unknown state filter %q", query.State)
	}
	if search := strings.TrimSpace(query.Search); search != "" {
		base += ` AND (host LIKE ? OR CAST(port AS TEXT) LIKE ? OR honeypot_reason LIKE ?)`
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) `+base, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var sortColumn string
	switch strings.ToLower(query.SortBy) {
	case "host":
		sortColumn = "host"
	case "verification_date":
		sortColumn = "verification_date"
	case "last_check_date":
		sortColumn = "last_check_date"
	case "scan_date":
		sortColumn = "scan_date"
	default:
		sortColumn = "id"
	}
	orderExpr := sortColumn
	if query.SortDesc {
		orderExpr += " DESC"
	} else {
		orderExpr += " ASC"
	}

	selectSQL := `SELECT ` + endpointColumns + ` ` + base + ` ORDER BY ` + orderExpr
	if query.PageSize > 0 {
		offset := (query.Page - 1) * query.PageSize
		selectSQL += fmt.Sprintf(" LIMIT %d OFFSET %d", query.PageSize, offset)
	}

	rows, err := s.DB.QueryContext(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// CountStates 统计各状态端点数量。
func (s *Store) CountStates(ctx context.Context) (StateCounts, error) {
	var c StateCounts
	err := s.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN verified = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified = 2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_honeypot), 0),
			COALESCE(SUM(CASE WHEN is_active = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified = 1 AND is_honeypot = 0 AND is_active = 1 THEN 1 ELSE 0 END), 0)
		FROM endpoints`).
		Scan(&c.Total, &c.Unverified, &c.Verified, &c.Invalid, &c.Honeypots, &c.Inactive, &c.Eligible)
	return c, err
}
