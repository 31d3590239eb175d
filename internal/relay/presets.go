package relay

import (
	"sort"

	"camrelay/internal/governor"
)

// Preset is a named set of stream defaults. Query parameters override it.
type Preset struct {
	Name     string          `json:"name"`
	FPSLimit float64         `json:"fpsLimit"`
	Policy   governor.Policy `json:"dropPolicy"`
	Width    int             `json:"width,omitempty"`
	Height   int             `json:"height,omitempty"`
	Quality  int             `json:"quality,omitempty"`
}

var presets = map[string]Preset{
	// smoothing levels
	"basic":    {Name: "basic", FPSLimit: 15, Policy: governor.PolicyWaitToPace},
	"enhanced": {Name: "enhanced", FPSLimit: 24, Policy: governor.PolicyWaitToPace},
	"ultra":    {Name: "ultra", FPSLimit: 30, Policy: governor.PolicyDropOldest},
	"cinema":   {Name: "cinema", FPSLimit: 24, Policy: governor.PolicyDropOldest, Quality: 90},

	// route presets
	"lowlatency":   {Name: "lowlatency", FPSLimit: 30, Policy: governor.PolicyDropLatest},
	"smooth":       {Name: "smooth", FPSLimit: 24, Policy: governor.PolicyDropOldest},
	"lowbandwidth": {Name: "lowbandwidth", FPSLimit: 10, Policy: governor.PolicyDropLatest, Width: 320, Height: 240, Quality: 60},
}

// LookupPreset returns the preset registered under name
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// Presets returns every preset sorted by name
func Presets() []Preset {
	list := make([]Preset, 0, len(presets))
	for _, p := range presets {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Apply fills base with the preset's values
func (p Preset) Apply(base Params) Params {
	base.FPSLimit = p.FPSLimit
	base.Policy = p.Policy
	base.Width, base.Height = p.Width, p.Height
	base.Quality = p.Quality
	return base
}
