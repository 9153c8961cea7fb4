package extension

import (
	"encoding/json"
	"sort"
	"strings"
)

// API permissions the lifecycle manager reacts to directly. Extensions may
// declare further permissions; the manager carries them opaquely.
const (
	PermissionTabs             = "tabs"
	PermissionBookmarks        = "bookmarks"
	PermissionUnlimitedStorage = "unlimitedStorage"
)

// Host patterns granting access to every origin.
const (
	allURLsPattern  = "<all_urls>"
	allHostsPattern = "*://*/*"
)

// PermissionSet splits a manifest's declared permissions into API
// capabilities and host match patterns.
type PermissionSet struct {
	api      map[string]struct{}
	hosts    map[string]struct{}
	fullHost bool
}

// NewPermissionSet classifies each declared permission. Anything containing
// a scheme separator or the all-URLs token counts as a host pattern, the
// rest are API capabilities.
func NewPermissionSet(perms []string) *PermissionSet {
	set := &PermissionSet{
		api:   make(map[string]struct{}),
		hosts: make(map[string]struct{}),
	}
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == allURLsPattern || p == allHostsPattern {
			set.fullHost = true
			continue
		}
		if strings.Contains(p, "://") {
			set.hosts[p] = struct{}{}
			continue
		}
		set.api[p] = struct{}{}
	}
	return set
}

// HasAPIPermission reports whether the set grants the named capability.
func (s *PermissionSet) HasAPIPermission(name string) bool {
	_, ok := s.api[name]
	return ok
}

// HasFullHostAccess reports whether the set grants access to all origins.
func (s *PermissionSet) HasFullHostAccess() bool {
	return s.fullHost
}

// APIPermissions returns the granted capabilities in sorted order.
func (s *PermissionSet) APIPermissions() []string {
	out := make([]string, 0, len(s.api))
	for p := range s.api {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HostPatterns returns the granted host patterns in sorted order.
func (s *PermissionSet) HostPatterns() []string {
	out := make([]string, 0, len(s.hosts))
	for p := range s.hosts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// list flattens the set back into manifest form.
func (s *PermissionSet) list() []string {
	out := s.APIPermissions()
	out = append(out, s.HostPatterns()...)
	if s.fullHost {
		out = append(out, allURLsPattern)
	}
	return out
}

// MarshalJSON encodes the set as the flat permission list, so records can
// cross process boundaries on the notification bus.
func (s *PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.list())
}

// UnmarshalJSON rebuilds the set from a flat permission list.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = *NewPermissionSet(perms)
	return nil
}

// IsPrivilegeIncrease reports whether next grants anything prev did not.
// Dropping or keeping capabilities is never an increase; only strictly new
// API capabilities, newly gained full host access, or host patterns prev
// did not cover count.
func IsPrivilegeIncrease(prev, next *PermissionSet) bool {
	if prev == nil {
		prev = NewPermissionSet(nil)
	}
	if next == nil {
		next = NewPermissionSet(nil)
	}
	for p := range next.api {
		if _, ok := prev.api[p]; !ok {
			return true
		}
	}
	if next.fullHost && !prev.fullHost {
		return true
	}
	if prev.fullHost {
		return false
	}
	for h := range next.hosts {
		if _, ok := prev.hosts[h]; !ok {
			return true
		}
	}
	return false
}
