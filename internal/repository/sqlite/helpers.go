package sqlite

import (
	"encoding/json"
	"time"

	"lantern/internal/domain"
)

// nowFunc is swappable for tests.
var nowFunc = time.Now

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	return string(data), err
}

func decodeTags(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var tags []string
	err := json.Unmarshal([]byte(s), &tags)
	return tags, err
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	return string(data), err
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var metadata map[string]string
	err := json.Unmarshal([]byte(s), &metadata)
	return metadata, err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var (
		dev                 domain.Device
		deviceType, status  string
		firstSeen, lastSeen string
		tags                string
	)

	err := row.Scan(&dev.MAC, &dev.IP, &dev.Name, &dev.Vendor, &deviceType,
		&dev.OS, &dev.Details, &status, &firstSeen, &lastSeen, &tags)
	if err != nil {
		return nil, err
	}

	dev.Type = domain.DeviceType(deviceType)
	dev.Status = domain.DeviceStatus(status)
	dev.FirstSeen = decodeTime(firstSeen)
	dev.LastSeen = decodeTime(lastSeen)
	dev.Tags, err = decodeTags(tags)
	if err != nil {
		return nil, err
	}

	return &dev, nil
}
