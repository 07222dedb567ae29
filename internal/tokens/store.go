// Package tokens loads, generates, and slices the device credential store
// that feeds the simulator.
package tokens

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Device pairs an MQTT client ID with its ThingsBoard access token. The
// token doubles as the MQTT username.
type Device struct {
	ID    string
	Token string
}

// ErrNoDevices reports an empty selection.
var ErrNoDevices = errors.New("no devices selected")

// Load reads a JSON token store. Two shapes are accepted: an object mapping
// device ID to token, iterated in sorted key order, and an array of tokens
// with IDs synthesized by index (device_0, device_1, ...).
func Load(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("token store %s is empty", path)
	}

	switch trimmed[0] {
	case '{':
		var byID map[string]string
		if err := json.Unmarshal(data, &byID); err != nil {
			return nil, fmt.Errorf("parse token store %s: %w", path, err)
		}
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		devices := make([]Device, 0, len(ids))
		for _, id := range ids {
			devices = append(devices, Device{ID: id, Token: byID[id]})
		}
		return devices, nil
	case '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse token store %s: %w", path, err)
		}
		devices := make([]Device, 0, len(list))
		for i, token := range list {
			devices = append(devices, Device{ID: fmt.Sprintf("device_%d", i), Token: token})
		}
		return devices, nil
	default:
		return nil, fmt.Errorf("token store %s: expected a JSON object or array", path)
	}
}

// Generate builds a synthetic fleet: IDs and tokens are both prefix+index,
// for indexes [start, start+count).
func Generate(prefix string, count, start int) []Device {
	devices := make([]Device, 0, count)
	for i := start; i < start+count; i++ {
		id := fmt.Sprintf("%s%d", prefix, i)
		devices = append(devices, Device{ID: id, Token: id})
	}
	return devices
}

// Select takes this process's contiguous slice of the fleet. count wins over
// deviceCount; with neither set the slice runs to the end of the store.
func Select(devices []Device, startID, count, deviceCount int) ([]Device, error) {
	if startID < 0 {
		return nil, errors.New("start id must be >= 0")
	}
	if startID >= len(devices) {
		return nil, fmt.Errorf("start id %d exceeds available devices (%d)", startID, len(devices))
	}
	total := count
	if total == 0 {
		if deviceCount > 0 {
			total = deviceCount
		} else {
			total = len(devices) - startID
		}
	}
	if total <= 0 {
		return nil, ErrNoDevices
	}
	end := startID + total
	if end > len(devices) {
		return nil, fmt.Errorf("requested %d devices from %d, but only %d available", total, startID, len(devices))
	}
	return devices[startID:end], nil
}

// Resolve produces the device slice for this process: a slice of the token
// store when the file exists, otherwise a fleet generated from the prefix.
func Resolve(path, prefix string, startID, count, deviceCount int) ([]Device, error) {
	if _, err := os.Stat(path); err == nil {
		devices, err := Load(path)
		if err != nil {
			return nil, err
		}
		return Select(devices, startID, count, deviceCount)
	}
	if prefix != "" {
		total := count
		if total == 0 {
			total = deviceCount
		}
		if total <= 0 {
			return nil, errors.New("generated fleets need --count or --device-count")
		}
		return Generate(prefix, total, startID), nil
	}
	return nil, fmt.Errorf("token store %s not found and no --token-prefix given", path)
}
