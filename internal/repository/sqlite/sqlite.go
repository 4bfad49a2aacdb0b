// Package sqlite persists the device registry, its history, and the
// domain event log.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"lantern/internal/domain"
)

// Repository stores devices, history, events, ports, and settings.
type Repository struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at path.
func New(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		mac TEXT PRIMARY KEY,
		ip TEXT NOT NULL,
		name TEXT NOT NULL,
		vendor TEXT NOT NULL DEFAULT '',
		device_type TEXT NOT NULL DEFAULT 'unknown',
		os_guess TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		tags JSON NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS device_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_mac TEXT NOT NULL,
		status TEXT NOT NULL,
		latency_ms REAL,
		recorded_at TEXT NOT NULL,
		FOREIGN KEY (device_mac) REFERENCES devices(mac) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		device_mac TEXT,
		metadata JSON,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_ports (
		device_mac TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (device_mac, port, protocol),
		FOREIGN KEY (device_mac) REFERENCES devices(mac) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_mac ON device_history(device_mac);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// GetDevice retrieves one device by MAC, or nil when unknown.
func (r *Repository) GetDevice(ctx context.Context, mac string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT mac, ip, name, vendor, device_type, os_guess, details, status, first_seen, last_seen, tags
		FROM devices WHERE mac = ?
	`, mac)

	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", mac, err)
	}
	return dev, nil
}

// FindDeviceByIP returns the device currently holding an IP, or nil when
// no device does. If stale rows share the IP the most recently seen wins.
func (r *Repository) FindDeviceByIP(ctx context.Context, ip string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT mac, ip, name, vendor, device_type, os_guess, details, status, first_seen, last_seen, tags
		FROM devices WHERE ip = ? ORDER BY last_seen DESC LIMIT 1
	`, ip)

	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device by ip %s: %w", ip, err)
	}
	return dev, nil
}

// ListDevices returns all known devices ordered by IP.
func (r *Repository) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mac, ip, name, vendor, device_type, os_guess, details, status, first_seen, last_seen, tags
		FROM devices ORDER BY ip
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *dev)
	}

	return devices, rows.Err()
}

// CountDevices returns the number of registry rows.
func (r *Repository) CountDevices(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

// UpsertDevice inserts or fully updates a device row.
func (r *Repository) UpsertDevice(ctx context.Context, dev *domain.Device) error {
	tags, err := encodeTags(dev.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (mac, ip, name, vendor, device_type, os_guess, details, status, first_seen, last_seen, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			ip = excluded.ip,
			name = excluded.name,
			vendor = excluded.vendor,
			device_type = excluded.device_type,
			os_guess = excluded.os_guess,
			details = excluded.details,
			status = excluded.status,
			last_seen = excluded.last_seen,
			tags = excluded.tags
	`, dev.MAC, dev.IP, dev.Name, dev.Vendor, string(dev.Type), dev.OS, dev.Details,
		string(dev.Status), encodeTime(dev.FirstSeen), encodeTime(dev.LastSeen), tags)

	if err != nil {
		return fmt.Errorf("upsert device %s: %w", dev.MAC, err)
	}
	return nil
}

// AppendHistory records one status observation for a device.
func (r *Repository) AppendHistory(ctx context.Context, entry domain.HistoryEntry) error {
	var latency sql.NullFloat64
	if entry.LatencyMs != nil {
		latency = sql.NullFloat64{Float64: *entry.LatencyMs, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_history (device_mac, status, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?)
	`, entry.DeviceMAC, string(entry.Status), latency, encodeTime(entry.RecordedAt))

	if err != nil {
		return fmt.Errorf("append history for %s: %w", entry.DeviceMAC, err)
	}
	return nil
}

// ListHistory returns the most recent observations for a device.
func (r *Repository) ListHistory(ctx context.Context, mac string, limit int) ([]domain.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_mac, status, latency_ms, recorded_at
		FROM device_history WHERE device_mac = ?
		ORDER BY id DESC LIMIT ?
	`, mac, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", mac, err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var (
			entry    domain.HistoryEntry
			status   string
			latency  sql.NullFloat64
			recorded string
		)
		if err := rows.Scan(&entry.DeviceMAC, &status, &latency, &recorded); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Status = domain.DeviceStatus(status)
		if latency.Valid {
			entry.LatencyMs = &latency.Float64
		}
		entry.RecordedAt = decodeTime(recorded)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// AppendEvent writes one immutable domain event.
func (r *Repository) AppendEvent(ctx context.Context, event *domain.Event) error {
	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var mac sql.NullString
	if event.DeviceMAC != "" {
		mac = sql.NullString{String: event.DeviceMAC, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (kind, message, device_mac, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(event.Kind), event.Message, mac, metadata, encodeTime(event.CreatedAt))

	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first.
func (r *Repository) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, message, device_mac, metadata, created_at
		FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			event    domain.Event
			kind     string
			mac      sql.NullString
			metadata sql.NullString
			created  string
		)
		if err := rows.Scan(&event.ID, &kind, &event.Message, &mac, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Kind = domain.EventKind(kind)
		if mac.Valid {
			event.DeviceMAC = mac.String
		}
		if metadata.Valid {
			event.Metadata, err = decodeMetadata(metadata.String)
			if err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		event.CreatedAt = decodeTime(created)
		events = append(events, event)
	}

	return events, rows.Err()
}

// ReplacePorts swaps the open-port snapshot for a device. Ports are a
// derived snapshot, not history, so delete-then-insert is the contract.
func (r *Repository) ReplacePorts(ctx context.Context, mac string, ports []domain.PortInfo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_ports WHERE device_mac = ?`, mac); err != nil {
		return fmt.Errorf("clear ports for %s: %w", mac, err)
	}

	for _, port := range ports {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_ports (device_mac, port, protocol, service)
			VALUES (?, ?, ?, ?)
		`, mac, port.Port, port.Protocol, port.Service); err != nil {
			return fmt.Errorf("insert port %d for %s: %w", port.Port, mac, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ports for %s: %w", mac, err)
	}
	return nil
}

// ListPorts returns the stored open-port snapshot for a device.
func (r *Repository) ListPorts(ctx context.Context, mac string) ([]domain.PortInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT port, protocol, service FROM device_ports
		WHERE device_mac = ? ORDER BY port
	`, mac)
	if err != nil {
		return nil, fmt.Errorf("query ports for %s: %w", mac, err)
	}
	defer rows.Close()

	var ports []domain.PortInfo
	for rows.Next() {
		var port domain.PortInfo
		if err := rows.Scan(&port.Port, &port.Protocol, &port.Service); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, port)
	}

	return ports, rows.Err()
}

// SetSetting stores one key/value pair.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, encodeTime(nowFunc()))

	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the stored value, or empty string when unset.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}
