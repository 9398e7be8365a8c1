package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitushen/netpresence/internal/models"
)

// ErrInvalidCredentials 表示用户名或密码错误。
var ErrInvalidCredentials = errors.New("invalid credentials")

// Store 封装了对 SQLite 数据库的持久化访问。
type Store struct {
	DB *sql.DB
}

// New 根据给定的 SQLite 文件路径初始化 Store。
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 单写入

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 释放数据库资源。
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS devices (
			network TEXT NOT NULL,
			ip TEXT NOT NULL,
			mac TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			iface TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			reachable INTEGER NOT NULL DEFAULT 0,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			PRIMARY KEY (network, ip)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);`,
		`CREATE TABLE IF NOT EXISTS scan_runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			networks INTEGER NOT NULL,
			devices INTEGER NOT NULL,
			reachable INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ping_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			ok INTEGER NOT NULL,
			rtt_ms REAL,
			raw TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			checked_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS host_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			ts TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureAdmin 创建或更新管理员账户。
func (s *Store) EnsureAdmin(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO users (username, password_hash) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash`,
		username, string(hash))
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	return nil
}

// Authenticate 校验用户名与密码。
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := s.DB.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// UpsertDevices 写入一个网段中出现的设备，保留首次发现时间。
func (s *Store) UpsertDevices(ctx context.Context, network string, devices []models.Device, seenAt time.Time) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices (network, ip, mac, hostname, iface, state, reachable, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(network, ip) DO UPDATE SET
			mac = CASE WHEN excluded.mac != '' THEN excluded.mac ELSE devices.mac END,
			hostname = CASE WHEN excluded.hostname != '' THEN excluded.hostname ELSE devices.hostname END,
			iface = CASE WHEN excluded.iface != '' THEN excluded.iface ELSE devices.iface END,
			state = excluded.state,
			reachable = excluded.reachable,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range devices {
		if _, err := stmt.ExecContext(ctx, network, d.IP, deref(d.MAC), deref(d.Hostname), deref(d.Iface),
			deref(d.NeighborState), boolToInt(d.Reachable), seenAt, seenAt); err != nil {
			return fmt.Errorf("upsert device %s: %w", d.IP, err)
		}
	}
	return tx.Commit()
}

// SaveDeviceRecord 手动写入一条设备记录。
func (s *Store) SaveDeviceRecord(ctx context.Context, rec models.DeviceRecord) error {
	now := time.Now().UTC()
	d := models.Device{IP: rec.IP, Reachable: rec.Reachable}
	if rec.MAC != "" {
		d.MAC = &rec.MAC
	}
	if rec.Hostname != "" {
		d.Hostname = &rec.Hostname
	}
	if rec.Iface != "" {
		d.Iface = &rec.Iface
	}
	return s.UpsertDevices(ctx, rec.Network, []models.Device{d}, now)
}

// ListDevices 按最近出现时间列出设备，network 为空时返回全部。
func (s *Store) ListDevices(ctx context.Context, network string, limit int) ([]models.DeviceRecord, error) {
	query := `SELECT network, ip, mac, hostname, iface, state, reachable, first_seen, last_seen FROM devices`
	args := []interface{}{}
	if network != "" {
		query += ` WHERE network = ?`
		args = append(args, network)
	}
	query += ` ORDER BY last_seen DESC, ip ASC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeviceRecord
	for rows.Next() {
		var rec models.DeviceRecord
		var reachable int
		if err := rows.Scan(&rec.Network, &rec.IP, &rec.MAC, &rec.Hostname, &rec.Iface, &rec.State, &reachable, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return nil, err
		}
		rec.Reachable = reachable == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddScanRun 保存一轮扫描的汇总。
func (s *Store) AddScanRun(ctx context.Context, run models.ScanRun) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO scan_runs (id, started_at, finished_at, networks, devices, reachable) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.FinishedAt, run.Networks, run.Devices, run.Reachable)
	return err
}

// ListScanRuns 返回最近的扫描记录。
func (s *Store) ListScanRuns(ctx context.Context, limit int) ([]models.ScanRun, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, started_at, finished_at, networks, devices, reachable FROM scan_runs ORDER BY started_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScanRun
	for rows.Next() {
		var run models.ScanRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Networks, &run.Devices, &run.Reachable); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// InsertPingResult 保存一次监控结果。
func (s *Store) InsertPingResult(ctx context.Context, res models.PingResult) (int64, error) {
	var rtt sql.NullFloat64
	if res.RTTMillis != nil {
		rtt = sql.NullFloat64{Float64: *res.RTTMillis, Valid: true}
	}
	r, err := s.DB.ExecContext(ctx, `INSERT INTO ping_results (name, host, ok, rtt_ms, raw, error, checked_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.Name, res.Host, boolToInt(res.OK), rtt, res.Raw, res.Error, res.CheckedAt)
	if err != nil {
		return 0, err
	}
	return r.LastInsertId()
}

// RecentPingResults 返回最近的监控结果，最新的在前。
func (s *Store) RecentPingResults(ctx context.Context, limit int) ([]models.PingResult, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, host, ok, rtt_ms, raw, error, checked_at FROM ping_results ORDER BY id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PingResult
	for rows.Next() {
		var res models.PingResult
		var ok int
		var rtt sql.NullFloat64
		if err := rows.Scan(&res.ID, &res.Name, &res.Host, &ok, &rtt, &res.Raw, &res.Error, &res.CheckedAt); err != nil {
			return nil, err
		}
		res.OK = ok == 1
		if rtt.Valid {
			v := rtt.Float64
			res.RTTMillis = &v
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// InsertMetric 保存一条主机指标。
func (s *Store) InsertMetric(ctx context.Context, metric models.HostMetric) error {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO host_metrics (metric, value, ts) VALUES (?, ?, ?)`, metric.Metric, metric.Value, metric.Timestamp)
	return err
}

// RecentMetrics 返回最近的指标，最新的在前。
func (s *Store) RecentMetrics(ctx context.Context, limit int) ([]models.HostMetric, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, metric, value, ts FROM host_metrics ORDER BY id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HostMetric
	for rows.Next() {
		var m models.HostMetric
		if err := rows.Scan(&m.ID, &m.Metric, &m.Value, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
