// Package acl implements the permission policy engine. Policy is read from a
// JSON file, compiled into an immutable snapshot, and consulted on every
// command and tool decision. Reloads replace the whole snapshot; a broken
// file never evicts the last good one.
package acl

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Decision is the outcome of a single authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Decision reasons, in evaluation order.
const (
	ReasonOwnerBypass    = "owner_bypass"
	ReasonFullAccessChat = "full_access_chat"
	ReasonChatFullAccess = "chat_full_access"
	ReasonChatDeny       = "chat_deny"
	ReasonChatAllow      = "chat_allow"
	ReasonGlobalAllow    = "global_allow"
	ReasonNotAllowed     = "not_allowed"
	ReasonEmptyName      = "empty_name"
	ReasonDisabled       = "acl_disabled"
)

// Meta describes the state of the last policy load, for status reporting.
type Meta struct {
	Path                    string `json:"path"`
	Loaded                  bool   `json:"loaded"`
	Version                 int    `json:"version"`
	SourceExists            bool   `json:"source_exists"`
	OwnerUserCount          int    `json:"owner_user_count"`
	FullAccessChatCount     int    `json:"full_access_chat_count"`
	ChatRuleCount           int    `json:"chat_rule_count"`
	GlobalAllowCommandCount int    `json:"global_allow_command_count"`
	GlobalAllowToolCount    int    `json:"global_allow_tool_count"`
	LastLoadedUnixMs        int64  `json:"last_loaded_unix_ms,omitempty"`
	FileMtimeUnixMs         int64  `json:"file_mtime_unix_ms,omitempty"`
	LastError               string `json:"last_error,omitempty"`
}

// file schema as written on disk
type rawFile struct {
	Version           int                `json:"version"`
	OwnerUserIDs      []int64            `json:"owner_user_ids"`
	FullAccessChatIDs []int64            `json:"full_access_chat_ids"`
	Global            rawGlobal          `json:"global"`
	Chats             map[string]rawChat `json:"chats"`
}

type rawGlobal struct {
	AllowCommands []string `json:"allow_commands"`
	AllowTools    []string `json:"allow_tools"`
}

type rawChat struct {
	FullAccess    bool     `json:"full_access"`
	AllowCommands []string `json:"allow_commands"`
	DenyCommands  []string `json:"deny_commands"`
	AllowTools    []string `json:"allow_tools"`
	DenyTools     []string `json:"deny_tools"`
}

type chatRules struct {
	fullAccess    bool
	allowCommands map[string]struct{}
	denyCommands  map[string]struct{}
	allowTools    map[string]struct{}
	denyTools     map[string]struct{}
}

// snapshot is the compiled, immutable form of the policy file.
type snapshot struct {
	version           int
	ownerUserIDs      map[int64]struct{}
	fullAccessChatIDs map[int64]struct{}
	globalCommands    map[string]struct{}
	globalTools       map[string]struct{}
	chats             map[int64]chatRules
}

func emptySnapshot() *snapshot {
	return &snapshot{
		ownerUserIDs:      map[int64]struct{}{},
		fullAccessChatIDs: map[int64]struct{}{},
		globalCommands:    map[string]struct{}{},
		globalTools:       map[string]struct{}{},
		chats:             map[int64]chatRules{},
	}
}

// NormalizeName canonicalizes a command or tool name for policy matching:
// surrounding whitespace and a leading '/' are stripped, the rest lowercased.
func NormalizeName(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "/"))
}

func normalizeSet(raw []string) map[string]struct{} {
	out := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		if n := NormalizeName(v); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func int64Set(raw []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(raw))
	for _, v := range raw {
		out[v] = struct{}{}
	}
	return out
}

func compile(raw rawFile) (*snapshot, error) {
	chats := make(map[int64]chatRules, len(raw.Chats))
	for key, rc := range raw.Chats {
		chatID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id key %q: %w", key, err)
		}
		chats[chatID] = chatRules{
			fullAccess:    rc.FullAccess,
			allowCommands: normalizeSet(rc.AllowCommands),
			denyCommands:  normalizeSet(rc.DenyCommands),
			allowTools:    normalizeSet(rc.AllowTools),
			denyTools:     normalizeSet(rc.DenyTools),
		}
	}

	version := raw.Version
	if version == 0 {
		version = 1
	}

	return &snapshot{
		version:           version,
		ownerUserIDs:      int64Set(raw.OwnerUserIDs),
		fullAccessChatIDs: int64Set(raw.FullAccessChatIDs),
		globalCommands:    normalizeSet(raw.Global.AllowCommands),
		globalTools:       normalizeSet(raw.Global.AllowTools),
		chats:             chats,
	}, nil
}

func loadSnapshot(path string) (*snapshot, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ACL file %s: %w", path, err)
	}
	var raw rawFile
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ACL JSON %s: %w", path, err)
	}
	return compile(raw)
}

// authorize runs the decision chain against one compiled snapshot. The same
// chain serves commands and tools; only the rule sets differ.
func (s *snapshot) authorize(chatID, userID int64, name string, commands bool) Decision {
	if _, ok := s.ownerUserIDs[userID]; ok {
		return Decision{Allowed: true, Reason: ReasonOwnerBypass}
	}
	if _, ok := s.fullAccessChatIDs[chatID]; ok {
		return Decision{Allowed: true, Reason: ReasonFullAccessChat}
	}
	if rules, ok := s.chats[chatID]; ok {
		if rules.fullAccess {
			return Decision{Allowed: true, Reason: ReasonChatFullAccess}
		}
		deny, allow := rules.denyTools, rules.allowTools
		if commands {
			deny, allow = rules.denyCommands, rules.allowCommands
		}
		if _, ok := deny[name]; ok {
			return Decision{Allowed: false, Reason: ReasonChatDeny}
		}
		if _, ok := allow[name]; ok {
			return Decision{Allowed: true, Reason: ReasonChatAllow}
		}
	}
	global := s.globalTools
	if commands {
		global = s.globalCommands
	}
	if _, ok := global[name]; ok {
		return Decision{Allowed: true, Reason: ReasonGlobalAllow}
	}
	return Decision{Allowed: false, Reason: ReasonNotAllowed}
}
