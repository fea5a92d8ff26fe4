package module

import (
	"context"
	"encoding/json"

	logx "modkit/pkg/logx"
)

// Settings live in two places: an in-memory cache (GetSetting/SetSetting,
// no implicit persistence) and the host's key-value store under
// "<module>_settings" (LoadSettings/SaveSettings). Store access is
// best-effort: a module must function with empty settings when the store is
// unavailable.

func (b *Base) settingsKey() string { return b.name + "_settings" }

// GetSetting reads the in-memory cache, returning def when absent.
func (b *Base) GetSetting(key string, def any) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.settings[key]; ok {
		return v
	}
	return def
}

// SetSetting writes the in-memory cache only; call SaveSettings to persist.
func (b *Base) SetSetting(key string, v any) {
	b.mu.Lock()
	if b.settings == nil {
		b.settings = map[string]any{}
	}
	b.settings[key] = v
	b.mu.Unlock()
}

// Settings returns a copy of the current cache.
func (b *Base) Settings() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.settings))
	for k, v := range b.settings {
		out[k] = v
	}
	return out
}

// LoadSettings merges config defaults, then all persisted keys, into the
// cache (persisted values win on conflict). Failure to reach the store is
// logged, not raised.
func (b *Base) LoadSettings(ctx context.Context) {
	b.mu.Lock()
	if b.settings == nil {
		b.settings = map[string]any{}
	}
	if len(b.deps.Defaults) > 0 {
		var defaults map[string]any
		if err := json.Unmarshal(b.deps.Defaults, &defaults); err != nil {
			b.Log.Warn("module defaults are not a JSON object", logx.Err(err))
		} else {
			for k, v := range defaults {
				if _, ok := b.settings[k]; !ok {
					b.settings[k] = v
				}
			}
		}
	}
	b.mu.Unlock()

	if b.deps.Store == nil {
		return
	}
	key := b.settingsKey()
	got, err := b.deps.Store.Get(ctx, []string{key})
	if err != nil {
		b.Log.Warn("settings load failed", logx.Err(err))
		return
	}
	raw, ok := got[key]
	if !ok || len(raw) == 0 {
		return
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		b.Log.Warn("settings blob is corrupt; ignoring", logx.Err(err))
		return
	}
	b.mu.Lock()
	for k, v := range persisted {
		b.settings[k] = v
	}
	b.mu.Unlock()
}

// SaveSettings serializes the entire cache back to the store. Best-effort:
// failure is logged, not raised.
func (b *Base) SaveSettings(ctx context.Context) {
	if b.deps.Store == nil {
		return
	}
	b.mu.Lock()
	blob, err := json.Marshal(b.settings)
	b.mu.Unlock()
	if err != nil {
		b.Log.Warn("settings marshal failed", logx.Err(err))
		return
	}
	if err := b.deps.Store.Set(ctx, map[string][]byte{b.settingsKey(): blob}); err != nil {
		b.Log.Warn("settings save failed", logx.Err(err))
	}
}
