package tokens

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeStore(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write store: %v", err)
	}
	return path
}

func TestLoadObjectSortsByID(t *testing.T) {
	path := writeStore(t, `{"sensor-b":"tok-b","sensor-a":"tok-a","sensor-c":"tok-c"}`)
	devices, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}
	want := []string{"sensor-a", "sensor-b", "sensor-c"}
	for i, id := range want {
		if devices[i].ID != id {
			t.Fatalf("device %d: got %q, want %q (object stores iterate in sorted order)", i, devices[i].ID, id)
		}
		if devices[i].Token != "tok-"+strings.TrimPrefix(id, "sensor-") {
			t.Fatalf("device %d token: got %q", i, devices[i].Token)
		}
	}
}

func TestLoadArraySynthesizesIDs(t *testing.T) {
	path := writeStore(t, `["tok-0","tok-1"]`)
	devices, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if devices[0].ID != "device_0" || devices[0].Token != "tok-0" {
		t.Fatalf("device 0: %+v", devices[0])
	}
	if devices[1].ID != "device_1" || devices[1].Token != "tok-1" {
		t.Fatalf("device 1: %+v", devices[1])
	}
}

func TestLoadRejectsOtherShapes(t *testing.T) {
	for _, content := range []string{`"just a string"`, `42`, ``, `   `} {
		path := writeStore(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("content %q: expected an error", content)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file: expected an error")
	}
}

func TestGenerate(t *testing.T) {
	devices := Generate("sim-", 3, 5)
	if len(devices) != 3 {
		t.Fatalf("got %d devices", len(devices))
	}
	if devices[0].ID != "sim-5" || devices[2].ID != "sim-7" {
		t.Fatalf("range wrong: %+v", devices)
	}
	if devices[0].Token != devices[0].ID {
		t.Fatal("generated token must equal the ID")
	}
}

func TestSelect(t *testing.T) {
	fleet := Generate("d", 10, 0)

	if _, err := Select(fleet, -1, 0, 0); err == nil {
		t.Error("negative start id must fail")
	}
	if _, err := Select(fleet, 10, 0, 0); err == nil {
		t.Error("start id at store length must fail")
	}
	if _, err := Select(fleet, 8, 5, 0); err == nil {
		t.Error("slice overrunning the store must fail")
	}
	if _, err := Select(fleet, 0, -3, 0); !errors.Is(err, ErrNoDevices) {
		t.Errorf("non-positive total: got %v, want ErrNoDevices", err)
	}

	got, err := Select(fleet, 2, 3, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 3 || got[0].ID != "d2" || got[2].ID != "d4" {
		t.Fatalf("count slice: %+v", got)
	}

	got, err = Select(fleet, 0, 0, 4)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("device-count fallback: got %d, want 4", len(got))
	}

	got, err = Select(fleet, 7, 0, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rest-of-store default: got %d, want 3", len(got))
	}
}

func TestResolve(t *testing.T) {
	path := writeStore(t, `{"a":"1","b":"2","c":"3"}`)
	devices, err := Resolve(path, "", 1, 2, 0)
	if err != nil {
		t.Fatalf("Resolve with store: %v", err)
	}
	if len(devices) != 2 || devices[0].ID != "b" {
		t.Fatalf("store slice: %+v", devices)
	}

	devices, err = Resolve(filepath.Join(t.TempDir(), "absent.json"), "sim-", 4, 2, 0)
	if err != nil {
		t.Fatalf("Resolve with prefix: %v", err)
	}
	if len(devices) != 2 || devices[0].ID != "sim-4" {
		t.Fatalf("generated slice: %+v", devices)
	}

	if _, err := Resolve(filepath.Join(t.TempDir(), "absent.json"), "", 0, 0, 0); err == nil {
		t.Fatal("no store and no prefix must fail")
	}
	if _, err := Resolve(filepath.Join(t.TempDir(), "absent.json"), "sim-", 0, 0, 0); err == nil {
		t.Fatal("generated fleet without a size must fail")
	}
}
