package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/solesession/solesession/store"
)

var testDevice = DeviceInfo{
	Platform: "linux",
	Arch:     "amd64",
	Hostname: "workstation",
	Locale:   "en_US.UTF-8",
	Timezone: "UTC",
	NumCPU:   8,
}

// newTestHeuristic returns a heuristic over fresh stores with a controllable
// clock. Advance the clock via the returned setter.
func newTestHeuristic(info DeviceInfo) (*Heuristic, func(time.Duration)) {
	h := NewHeuristic(store.NewMemStore(), store.NewMemStore(), info, HeuristicConfig{}, zerolog.Nop())
	base := time.Now()
	offset := time.Duration(0)
	h.now = func() time.Time { return base.Add(offset) }
	return h, func(d time.Duration) { offset += d }
}

func TestFingerprintDeterministic(t *testing.T) {
	a := testDevice.Fingerprint()
	b := testDevice.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length: got %d want 16", len(a))
	}
	other := testDevice
	other.Hostname = "laptop"
	if other.Fingerprint() == a {
		t.Errorf("different hosts produced the same fingerprint")
	}
}

func TestManualLogoutMarkerConsumed(t *testing.T) {
	h, _ := newTestHeuristic(testDevice)
	if h.IsManualLogout() {
		t.Fatalf("manual logout reported with no marker")
	}
	h.MarkManualLogout()
	if !h.IsManualLogout() {
		t.Fatalf("fresh marker not recognised")
	}
	if h.IsManualLogout() {
		t.Fatalf("marker not consumed by first positive check")
	}
}

// The origin-scoped backup marker outlives the tab-scoped one, covering the
// case where the logging-out tab was destroyed before the deletion round-trips.
func TestManualLogoutBackupMarker(t *testing.T) {
	h, advance := newTestHeuristic(testDevice)
	h.MarkManualLogout()
	advance(30 * time.Second) // tab marker (10s) stale, origin backup (60s) fresh
	if !h.IsManualLogout() {
		t.Fatalf("backup marker within its window not recognised")
	}
	if h.IsManualLogout() {
		t.Fatalf("backup marker not consumed")
	}
}

func TestManualLogoutMarkerExpires(t *testing.T) {
	h, advance := newTestHeuristic(testDevice)
	h.MarkManualLogout()
	advance(2 * time.Minute)
	if h.IsManualLogout() {
		t.Fatalf("expired markers still classified as manual logout")
	}
}

func TestManualLogoutJunkMarkerDropped(t *testing.T) {
	h, _ := newTestHeuristic(testDevice)
	h.tab.Set(KeyManualLogout, "not-a-timestamp")
	if h.IsManualLogout() {
		t.Fatalf("junk marker classified as manual logout")
	}
	if _, ok := h.tab.Get(KeyManualLogout); ok {
		t.Errorf("junk marker left in the store")
	}
}

func TestSameDeviceReconnect(t *testing.T) {
	h, advance := newTestHeuristic(testDevice)
	if h.IsSameDeviceReconnect() {
		t.Fatalf("same-device reported with no cached fingerprint")
	}
	fp := h.CacheFingerprint()
	if fp != testDevice.Fingerprint() {
		t.Fatalf("cached fingerprint %q does not match device %q", fp, testDevice.Fingerprint())
	}
	if !h.IsSameDeviceReconnect() {
		t.Fatalf("fresh matching fingerprint not recognised")
	}
	advance(61 * time.Second)
	if h.IsSameDeviceReconnect() {
		t.Fatalf("stale fingerprint cache still classified as same-device")
	}
}

func TestSameDeviceReconnectMismatch(t *testing.T) {
	h, _ := newTestHeuristic(testDevice)
	h.CacheFingerprint()
	h.origin.Set(KeyFingerprint, "0123456789abcdef") // some other device's print
	if h.IsSameDeviceReconnect() {
		t.Fatalf("mismatched fingerprint classified as same-device")
	}
}
