// Package state defines the synchronised settings document and its
// mapping onto backend items.
package state

import (
	"slices"

	log "github.com/sirupsen/logrus"

	"settingsync/backend"
	"settingsync/codec"
)

const (
	KeyEnabled                 = "enabled"
	KeyFilterBell              = "filterBell"
	KeyFilterNotificationsPage = "filterNotificationsPage"
	KeyRedirectShorts          = "redirectShorts"
	KeyTheme                   = "theme"
	KeyWhitelistChannels       = "whitelistChannels"
	KeyStats                   = "stats"
)

const (
	ThemeSystem = "system"
	ThemeDark   = "dark"
	ThemeLight  = "light"
)

// EssentialKeys survive quota remediation. Everything else may be removed.
var EssentialKeys = []string{
	KeyEnabled,
	KeyFilterBell,
	KeyFilterNotificationsPage,
	KeyRedirectShorts,
	KeyTheme,
	KeyWhitelistChannels,
}

// Keys lists every key that makes up State.
var Keys = append(slices.Clone(EssentialKeys), KeyStats)

type Stats struct {
	Blocked int64 `json:"blocked"`
	Allowed int64 `json:"allowed"`
}

type State struct {
	Enabled                 bool     `json:"enabled"`
	FilterBell              bool     `json:"filterBell"`
	FilterNotificationsPage bool     `json:"filterNotificationsPage"`
	RedirectShorts          bool     `json:"redirectShorts"`
	Theme                   string   `json:"theme"`
	WhitelistChannels       []string `json:"whitelistChannels"`
	Stats                   Stats    `json:"stats"`
}

func Defaults() State {
	return State{
		Enabled:                 true,
		FilterBell:              true,
		FilterNotificationsPage: true,
		RedirectShorts:          true,
		Theme:                   ThemeSystem,
		WhitelistChannels:       []string{},
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.WhitelistChannels = slices.Clone(s.WhitelistChannels)
	if c.WhitelistChannels == nil {
		c.WhitelistChannels = []string{}
	}
	return c
}

// Whitelisted reports whether channel is on the whitelist.
func (s State) Whitelisted(channel string) bool {
	return slices.Contains(s.WhitelistChannels, channel)
}

// DefaultItems is Defaults encoded as backend items, for Store.Get.
func DefaultItems() backend.Items {
	return Defaults().Items()
}

// Items encodes every field of s as a backend item.
func (s State) Items() backend.Items {
	items := make(backend.Items, len(Keys))
	put := func(key string, v any) {
		raw, err := codec.JSONMarshal(v)
		if err != nil {
			// only plain values are encoded here
			panic(err)
		}
		items[key] = raw
	}
	put(KeyEnabled, s.Enabled)
	put(KeyFilterBell, s.FilterBell)
	put(KeyFilterNotificationsPage, s.FilterNotificationsPage)
	put(KeyRedirectShorts, s.RedirectShorts)
	put(KeyTheme, s.Theme)
	whitelist := s.WhitelistChannels
	if whitelist == nil {
		whitelist = []string{}
	}
	put(KeyWhitelistChannels, whitelist)
	put(KeyStats, s.Stats)
	return items
}

// FromItems decodes backend items into a State. Missing, null or
// undecodable values fall back to their defaults, and a partial stats
// object is merged over the default stats.
func FromItems(items backend.Items) State {
	s := Defaults()

	decodeBool(items, KeyEnabled, &s.Enabled)
	decodeBool(items, KeyFilterBell, &s.FilterBell)
	decodeBool(items, KeyFilterNotificationsPage, &s.FilterNotificationsPage)
	decodeBool(items, KeyRedirectShorts, &s.RedirectShorts)

	var theme *string
	if decode(items, KeyTheme, &theme) && theme != nil && *theme != "" {
		s.Theme = *theme
	}

	var whitelist []string
	if decode(items, KeyWhitelistChannels, &whitelist) && whitelist != nil {
		s.WhitelistChannels = whitelist
	}

	var stats struct {
		Blocked *int64 `json:"blocked"`
		Allowed *int64 `json:"allowed"`
	}
	if decode(items, KeyStats, &stats) {
		if stats.Blocked != nil {
			s.Stats.Blocked = *stats.Blocked
		}
		if stats.Allowed != nil {
			s.Stats.Allowed = *stats.Allowed
		}
	}

	return s
}

func decodeBool(items backend.Items, key string, dst *bool) {
	var v *bool
	if decode(items, key, &v) && v != nil {
		*dst = *v
	}
}

// decode reports whether key was present and decoded into dst.
func decode(items backend.Items, key string, dst any) bool {
	raw, ok := items[key]
	if !ok || len(raw) == 0 {
		return false
	}
	if err := codec.JSONUnmarshal(raw, dst); err != nil {
		log.Warnf("State: ignoring undecodable value for %s: %v", key, err)
		return false
	}
	return true
}
