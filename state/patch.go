package state

import (
	"errors"
	"fmt"
	"slices"

	"settingsync/backend"
	"settingsync/codec"
)

var ErrInvalidPatch = errors.New("invalid patch")

// Patch is a partial State. Nil fields are left untouched.
type Patch struct {
	Enabled                 *bool       `json:"enabled,omitempty"`
	FilterBell              *bool       `json:"filterBell,omitempty"`
	FilterNotificationsPage *bool       `json:"filterNotificationsPage,omitempty"`
	RedirectShorts          *bool       `json:"redirectShorts,omitempty"`
	Theme                   *string     `json:"theme,omitempty"`
	WhitelistChannels       []string    `json:"whitelistChannels,omitempty"`
	Stats                   *StatsPatch `json:"stats,omitempty"`

	// setWhitelist distinguishes an explicitly empty whitelist from an
	// untouched one.
	setWhitelist bool
}

// StatsPatch sets the counters that are not nil and keeps the others.
type StatsPatch struct {
	Blocked *int64 `json:"blocked,omitempty"`
	Allowed *int64 `json:"allowed,omitempty"`
}

// StatsPatchOf sets both counters to the values in s.
func StatsPatchOf(s Stats) *StatsPatch {
	return &StatsPatch{Blocked: &s.Blocked, Allowed: &s.Allowed}
}

func (sp StatsPatch) apply(s Stats) Stats {
	if sp.Blocked != nil {
		s.Blocked = *sp.Blocked
	}
	if sp.Allowed != nil {
		s.Allowed = *sp.Allowed
	}
	return s
}

func (sp StatsPatch) merge(other StatsPatch) StatsPatch {
	if other.Blocked != nil {
		sp.Blocked = other.Blocked
	}
	if other.Allowed != nil {
		sp.Allowed = other.Allowed
	}
	return sp
}

// WithWhitelist returns p with the whitelist replaced by channels, which may
// be empty.
func (p Patch) WithWhitelist(channels []string) Patch {
	p.WhitelistChannels = slices.Clone(channels)
	if p.WhitelistChannels == nil {
		p.WhitelistChannels = []string{}
	}
	p.setWhitelist = true
	return p
}

func (p Patch) touchesWhitelist() bool {
	return p.setWhitelist || p.WhitelistChannels != nil
}

// Empty reports whether p sets nothing.
func (p Patch) Empty() bool {
	return p.Enabled == nil && p.FilterBell == nil && p.FilterNotificationsPage == nil &&
		p.RedirectShorts == nil && p.Theme == nil && !p.touchesWhitelist() && p.Stats == nil
}

// Merge returns p overlaid with the fields set in other.
func (p Patch) Merge(other Patch) Patch {
	out := p
	if other.Enabled != nil {
		out.Enabled = other.Enabled
	}
	if other.FilterBell != nil {
		out.FilterBell = other.FilterBell
	}
	if other.FilterNotificationsPage != nil {
		out.FilterNotificationsPage = other.FilterNotificationsPage
	}
	if other.RedirectShorts != nil {
		out.RedirectShorts = other.RedirectShorts
	}
	if other.Theme != nil {
		out.Theme = other.Theme
	}
	if other.touchesWhitelist() {
		out = out.WithWhitelist(other.WhitelistChannels)
	}
	if other.Stats != nil {
		var base StatsPatch
		if p.Stats != nil {
			base = *p.Stats
		}
		stats := base.merge(*other.Stats)
		out.Stats = &stats
	}
	return out
}

// Apply returns a copy of s with the patch applied.
func (p Patch) Apply(s State) State {
	out := s.Clone()
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.FilterBell != nil {
		out.FilterBell = *p.FilterBell
	}
	if p.FilterNotificationsPage != nil {
		out.FilterNotificationsPage = *p.FilterNotificationsPage
	}
	if p.RedirectShorts != nil {
		out.RedirectShorts = *p.RedirectShorts
	}
	if p.Theme != nil {
		out.Theme = *p.Theme
	}
	if p.touchesWhitelist() {
		out.WhitelistChannels = slices.Clone(p.WhitelistChannels)
		if out.WhitelistChannels == nil {
			out.WhitelistChannels = []string{}
		}
	}
	if p.Stats != nil {
		out.Stats = p.Stats.apply(out.Stats)
	}
	return out
}

// Items is ItemsOver the defaults.
func (p Patch) Items() backend.Items {
	return p.ItemsOver(Defaults())
}

// ItemsOver encodes the keys p sets as backend items. Values come from p
// applied to base, so a partial stats patch keeps base's other counter.
func (p Patch) ItemsOver(base State) backend.Items {
	merged := p.Apply(base)
	items := make(backend.Items)
	put := func(key string, v any) {
		raw, err := codec.JSONMarshal(v)
		if err != nil {
			panic(err)
		}
		items[key] = raw
	}
	if p.Enabled != nil {
		put(KeyEnabled, *p.Enabled)
	}
	if p.FilterBell != nil {
		put(KeyFilterBell, *p.FilterBell)
	}
	if p.FilterNotificationsPage != nil {
		put(KeyFilterNotificationsPage, *p.FilterNotificationsPage)
	}
	if p.RedirectShorts != nil {
		put(KeyRedirectShorts, *p.RedirectShorts)
	}
	if p.Theme != nil {
		put(KeyTheme, *p.Theme)
	}
	if p.touchesWhitelist() {
		whitelist := p.WhitelistChannels
		if whitelist == nil {
			whitelist = []string{}
		}
		put(KeyWhitelistChannels, whitelist)
	}
	if p.Stats != nil {
		put(KeyStats, merged.Stats)
	}
	return items
}

// Validate checks the values a caller may set.
func (p Patch) Validate() error {
	if p.Theme != nil {
		switch *p.Theme {
		case ThemeSystem, ThemeDark, ThemeLight:
		default:
			return fmt.Errorf("%w: unknown theme %q", ErrInvalidPatch, *p.Theme)
		}
	}
	for _, channel := range p.WhitelistChannels {
		if channel == "" {
			return fmt.Errorf("%w: empty whitelist channel", ErrInvalidPatch)
		}
	}
	if p.Stats != nil {
		if (p.Stats.Blocked != nil && *p.Stats.Blocked < 0) || (p.Stats.Allowed != nil && *p.Stats.Allowed < 0) {
			return fmt.Errorf("%w: negative stats", ErrInvalidPatch)
		}
	}
	return nil
}

// Bool, String and Int64 return pointers for building patches.
func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
func Int64(v int64) *int64    { return &v }

// UnmarshalJSON marks a present whitelist, even an empty one, as set.
func (p *Patch) UnmarshalJSON(data []byte) error {
	type plain Patch
	var raw struct {
		plain
		WhitelistChannels *[]string `json:"whitelistChannels"`
	}
	if err := codec.JSONUnmarshal(data, &raw); err != nil {
		return err
	}
	*p = Patch(raw.plain)
	if raw.WhitelistChannels != nil {
		*p = p.WithWhitelist(*raw.WhitelistChannels)
	}
	return nil
}
