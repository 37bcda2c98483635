package acl

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/okabe/himari/internal/observability"
)

// Manager holds the current policy snapshot and transparently refreshes it.
// Every read first runs a TTL-gated staleness check against the file mtime;
// reload failures keep the previous snapshot and are surfaced via Meta.
type Manager struct {
	path string
	ttl  time.Duration

	current atomic.Pointer[snapshot]

	mu            sync.Mutex
	attemptedLoad bool
	lastChecked   time.Time
	fileMtime     time.Time
	hasMtime      bool
	meta          Meta
}

// Config holds policy manager configuration.
type Config struct {
	FilePath  string
	ReloadTTL time.Duration
}

// NewManager creates a policy manager. The first read triggers the initial
// load; call Initialize to load eagerly at startup.
func NewManager(cfg Config) *Manager {
	observability.EnsureRegistered()
	m := &Manager{
		path: cfg.FilePath,
		ttl:  cfg.ReloadTTL,
		meta: Meta{Path: cfg.FilePath},
	}
	m.current.Store(emptySnapshot())
	return m
}

// Initialize performs the initial load, logging instead of failing when the
// policy file is absent or broken.
func (m *Manager) Initialize() {
	if _, err := m.ReloadNow(); err != nil {
		log.Warn().Err(err).Str("path", m.path).Msg("ACL initial load failed")
	}
}

// ReloadNow forces a reload regardless of TTL and returns the resulting meta.
// On failure the previous snapshot stays in place and the error is returned.
func (m *Manager) ReloadNow() (Meta, error) {
	mtime, hasMtime := m.currentMtime()
	snap, err := loadSnapshot(m.path)
	if err != nil {
		m.applyReloadError(mtime, hasMtime, err)
		m.mu.Lock()
		meta := m.meta
		m.mu.Unlock()
		return meta, err
	}

	meta := m.buildMeta(snap, hasMtime, mtime)

	m.mu.Lock()
	m.current.Store(snap)
	m.fileMtime = mtime
	m.hasMtime = hasMtime
	m.attemptedLoad = true
	m.lastChecked = time.Now()
	m.meta = meta
	m.mu.Unlock()

	log.Info().
		Str("path", m.path).
		Int("version", meta.Version).
		Int("chats", meta.ChatRuleCount).
		Msg("ACL reloaded")

	return meta, nil
}

// Meta returns load metadata after running the staleness check.
func (m *Manager) Meta() Meta {
	m.maybeReload()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

// IsOwner reports whether the user has the owner bypass.
func (m *Manager) IsOwner(userID int64) bool {
	_, ok := m.snapshot().ownerUserIDs[userID]
	return ok
}

// AuthorizeCommand decides whether a triggering command may run in a chat.
func (m *Manager) AuthorizeCommand(chatID, userID int64, command string) Decision {
	return m.authorize(chatID, userID, command, true)
}

// AuthorizeTool decides whether a tool may execute in a chat.
func (m *Manager) AuthorizeTool(chatID, userID int64, tool string) Decision {
	return m.authorize(chatID, userID, tool, false)
}

func (m *Manager) authorize(chatID, userID int64, name string, commands bool) Decision {
	normalized := NormalizeName(name)
	if normalized == "" {
		return Decision{Allowed: false, Reason: ReasonEmptyName}
	}
	d := m.snapshot().authorize(chatID, userID, normalized, commands)
	kind := "tool"
	if commands {
		kind = "command"
	}
	observability.RecordACLDecision(kind, d.Allowed)
	return d
}

// FilterAllowedTools returns the sorted, deduplicated subset of candidates
// the policy allows in this chat for this user.
func (m *Manager) FilterAllowedTools(chatID, userID int64, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}

	snap := m.snapshot()
	seen := make(map[string]struct{}, len(candidates))
	allowed := make([]string, 0, len(candidates))
	for _, tool := range candidates {
		normalized := NormalizeName(tool)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		d := snap.authorize(chatID, userID, normalized, false)
		if d.Allowed {
			allowed = append(allowed, normalized)
		} else {
			log.Debug().
				Str("tool", normalized).
				Int64("chat_id", chatID).
				Int64("user_id", userID).
				Str("reason", d.Reason).
				Msg("tool excluded by ACL")
		}
	}
	sort.Strings(allowed)
	return allowed
}

func (m *Manager) snapshot() *snapshot {
	m.maybeReload()
	return m.current.Load()
}

func (m *Manager) currentMtime() (time.Time, bool) {
	info, err := os.Stat(m.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (m *Manager) maybeReload() {
	now := time.Now()
	mtime, hasMtime := m.currentMtime()

	m.mu.Lock()
	if !m.lastChecked.IsZero() && now.Sub(m.lastChecked) < m.ttl {
		m.mu.Unlock()
		return
	}
	m.lastChecked = now
	shouldAttempt := !m.attemptedLoad || m.hasMtime != hasMtime || !m.fileMtime.Equal(mtime)
	m.mu.Unlock()

	if !shouldAttempt {
		return
	}

	snap, err := loadSnapshot(m.path)
	if err != nil {
		m.applyReloadError(mtime, hasMtime, err)
		return
	}

	meta := m.buildMeta(snap, hasMtime, mtime)

	m.mu.Lock()
	m.current.Store(snap)
	m.fileMtime = mtime
	m.hasMtime = hasMtime
	m.attemptedLoad = true
	m.meta = meta
	m.mu.Unlock()

	log.Info().
		Str("path", m.path).
		Int("version", meta.Version).
		Int("chats", meta.ChatRuleCount).
		Msg("ACL reloaded")
}

func (m *Manager) buildMeta(snap *snapshot, sourceExists bool, mtime time.Time) Meta {
	meta := Meta{
		Path:                    m.path,
		Loaded:                  true,
		Version:                 snap.version,
		SourceExists:            sourceExists,
		OwnerUserCount:          len(snap.ownerUserIDs),
		FullAccessChatCount:     len(snap.fullAccessChatIDs),
		ChatRuleCount:           len(snap.chats),
		GlobalAllowCommandCount: len(snap.globalCommands),
		GlobalAllowToolCount:    len(snap.globalTools),
		LastLoadedUnixMs:        time.Now().UnixMilli(),
	}
	if sourceExists {
		meta.FileMtimeUnixMs = mtime.UnixMilli()
	}
	return meta
}

func (m *Manager) applyReloadError(mtime time.Time, hasMtime bool, err error) {
	m.mu.Lock()
	m.attemptedLoad = true
	m.fileMtime = mtime
	m.hasMtime = hasMtime
	m.meta.SourceExists = hasMtime
	if hasMtime {
		m.meta.FileMtimeUnixMs = mtime.UnixMilli()
	} else {
		m.meta.FileMtimeUnixMs = 0
	}
	m.meta.LastError = err.Error()
	if m.meta.LastLoadedUnixMs == 0 {
		m.meta.LastLoadedUnixMs = time.Now().UnixMilli()
	}
	m.mu.Unlock()

	log.Warn().Err(err).Str("path", m.path).Msg("ACL reload failed, keeping last snapshot")
}
