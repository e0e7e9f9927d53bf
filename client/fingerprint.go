package client

import (
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/solesession/solesession/store"
)

// Store keys. Tab-scoped and origin-scoped keys are disjoint; no key is ever
// written by two components.
const (
	KeyTabID              = "solesession.tab_id"                // tab-scoped
	KeyManualLogout       = "solesession.manual_logout"         // tab-scoped
	KeyManualLogoutBackup = "solesession.manual_logout_bak"     // origin-scoped
	KeyJustLoggedIn       = "solesession.just_logged_in"        // tab-scoped
	KeyFingerprint        = "solesession.device_fingerprint"    // origin-scoped
	KeyFingerprintAt      = "solesession.device_fingerprint_at" // origin-scoped
	KeyBroadcast          = "solesession.broadcast"             // origin-scoped
)

// DeviceInfo holds the characteristics the fingerprint is derived from. The
// fingerprint only needs to recognise "the same device/browser again"; it is
// not an identity proof.
type DeviceInfo struct {
	Platform string
	Arch     string
	Hostname string
	Locale   string
	Timezone string
	NumCPU   int
}

func DefaultDeviceInfo() DeviceInfo {
	hostname, _ := os.Hostname()
	tz, _ := time.Now().Zone()
	return DeviceInfo{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Hostname: hostname,
		Locale:   os.Getenv("LANG"),
		Timezone: tz,
		NumCPU:   runtime.NumCPU(),
	}
}

// Fingerprint derives the stable device identifier: fnv64a over the sorted
// characteristics. Deterministic for a given DeviceInfo.
func (d DeviceInfo) Fingerprint() string {
	parts := []string{
		"arch=" + d.Arch,
		"cpus=" + strconv.Itoa(d.NumCPU),
		"host=" + d.Hostname,
		"locale=" + d.Locale,
		"platform=" + d.Platform,
		"tz=" + d.Timezone,
	}
	sort.Strings(parts)
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// HeuristicConfig tunes the classification windows. These are best-effort
// heuristics, not contracts; deployments may tighten or loosen them.
type HeuristicConfig struct {
	// TabMarkerTTL is how long the tab-scoped manual-logout marker counts as
	// fresh. Defaults to 10s.
	TabMarkerTTL time.Duration
	// OriginMarkerTTL is the longer-lived backup window for the origin-scoped
	// marker, covering the case where the logging-out tab is already gone by
	// the time the notification round-trips. Defaults to 60s.
	OriginMarkerTTL time.Duration
	// FingerprintTTL is how recently the cached fingerprint must have been
	// written for a deletion to count as a same-device reconnect. Defaults to 60s.
	FingerprintTTL time.Duration
}

func (c *HeuristicConfig) defaults() {
	if c.TabMarkerTTL == 0 {
		c.TabMarkerTTL = 10 * time.Second
	}
	if c.OriginMarkerTTL == 0 {
		c.OriginMarkerTTL = 60 * time.Second
	}
	if c.FingerprintTTL == 0 {
		c.FingerprintTTL = 60 * time.Second
	}
}

// Heuristic classifies an incoming session-deletion notification as
// self-caused, same-device, or genuinely foreign, using short-lived markers in
// the tab and origin stores. Pure decisions apart from reading/writing those
// markers.
type Heuristic struct {
	cfg    HeuristicConfig
	tab    store.Store
	origin store.Store
	info   DeviceInfo
	logger zerolog.Logger
	now    func() time.Time
}

func NewHeuristic(tab, origin store.Store, info DeviceInfo, cfg HeuristicConfig, logger zerolog.Logger) *Heuristic {
	cfg.defaults()
	return &Heuristic{
		cfg:    cfg,
		tab:    tab,
		origin: origin,
		info:   info,
		logger: logger,
		now:    time.Now,
	}
}

// MarkManualLogout writes the transient markers consulted by whichever tab
// later receives the resulting deletion notification. Two markers because the
// tab doing the logout may be destroyed before the notification arrives.
func (h *Heuristic) MarkManualLogout() {
	ts := strconv.FormatInt(h.now().UnixMilli(), 10)
	h.tab.Set(KeyManualLogout, ts)
	h.origin.Set(KeyManualLogoutBackup, ts)
}

// IsManualLogout reports whether a fresh manual-logout marker exists in either
// store. A true result consumes the marker that matched, so a second check
// returns false.
func (h *Heuristic) IsManualLogout() bool {
	if h.markerFresh(h.tab, KeyManualLogout, h.cfg.TabMarkerTTL) {
		h.tab.Delete(KeyManualLogout)
		h.origin.Delete(KeyManualLogoutBackup)
		return true
	}
	if h.markerFresh(h.origin, KeyManualLogoutBackup, h.cfg.OriginMarkerTTL) {
		h.origin.Delete(KeyManualLogoutBackup)
		return true
	}
	return false
}

func (h *Heuristic) markerFresh(s store.Store, key string, ttl time.Duration) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.Delete(key) // junk marker, drop it
		return false
	}
	age := h.now().Sub(time.UnixMilli(ms))
	return age >= 0 && age < ttl
}

// CacheFingerprint computes the device fingerprint, caches it with a timestamp
// in the origin store, and returns it. Call at login.
func (h *Heuristic) CacheFingerprint() string {
	fp := h.info.Fingerprint()
	h.origin.Set(KeyFingerprint, fp)
	h.origin.Set(KeyFingerprintAt, strconv.FormatInt(h.now().UnixMilli(), 10))
	return fp
}

// IsSameDeviceReconnect reports whether the cached fingerprint was written
// recently and a fresh computation still matches it, which distinguishes "this
// device just re-authenticated and the server is cleaning up its stale row"
// from "a different device logged in".
func (h *Heuristic) IsSameDeviceReconnect() bool {
	if !h.markerFresh(h.origin, KeyFingerprintAt, h.cfg.FingerprintTTL) {
		return false
	}
	cached, ok := h.origin.Get(KeyFingerprint)
	if !ok {
		return false
	}
	fresh := h.info.Fingerprint()
	if cached != fresh {
		h.logger.Debug().Msg("cached fingerprint is fresh but does not match this device")
		return false
	}
	return true
}
