package relay

import (
	"net/url"
	"testing"

	"camrelay/internal/governor"
)

func TestParseParams(t *testing.T) {
	q := url.Values{}
	q.Set("ip", "192.168.1.20")
	q.Set("port", "8080")
	q.Set("fps_limit", "12.5")
	q.Set("drop_strategy", "oldest")
	q.Set("resolution", "640x480")
	q.Set("quality", "low")

	p, err := ParseParams(q, Params{Port: 4747})
	if err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	if p.Host != "192.168.1.20" || p.Port != 8080 {
		t.Errorf("Unexpected target %s:%d", p.Host, p.Port)
	}
	if p.FPSLimit != 12.5 || p.Policy != governor.PolicyDropOldest {
		t.Errorf("Unexpected rate settings %v %s", p.FPSLimit, p.Policy)
	}
	if p.Width != 640 || p.Height != 480 || p.Quality != 60 {
		t.Errorf("Unexpected transcode settings %s q=%d", p.Resolution(), p.Quality)
	}
	if !p.Transcode() {
		t.Error("Expected transcoding to be requested")
	}
}

func TestParseParamsDefaults(t *testing.T) {
	p, err := ParseParams(url.Values{"ip": {"10.0.0.5"}}, Params{Port: 4747})
	if err != nil {
		t.Fatal(err)
	}
	if p.Port != 4747 || p.FPSLimit != 0 || p.Transcode() {
		t.Errorf("Unexpected defaults: %+v", p)
	}
	if p.Resolution() != "auto" {
		t.Errorf("Expected auto resolution, got %s", p.Resolution())
	}
}

func TestParseParamsErrors(t *testing.T) {
	cases := []url.Values{
		{},
		{"ip": {"h"}, "port": {"99999"}},
		{"ip": {"h"}, "fps_limit": {"fast"}},
		{"ip": {"h"}, "resolution": {"big"}},
		{"ip": {"h"}, "quality": {"300"}},
	}
	for _, q := range cases {
		if _, err := ParseParams(q, Params{Port: 4747}); err == nil {
			t.Errorf("Expected error for %v", q)
		}
	}
}

func TestParseParamsLenientNames(t *testing.T) {
	q := url.Values{"ip": {"h"}, "drop_strategy": {"random"}, "quality": {"ultra"}}
	p, err := ParseParams(q, Params{Port: 4747})
	if err != nil {
		t.Fatalf("Unknown names should not be rejected: %v", err)
	}
	if p.Policy != governor.PolicyWaitToPace {
		t.Errorf("Unknown strategy should pace, got %v", p.Policy)
	}
	if p.Quality != 0 || p.Transcode() {
		t.Errorf("Unknown quality should not re-encode: %+v", p)
	}

	preset, _ := LookupPreset("cinema")
	p, err = ParseParams(url.Values{"ip": {"h"}, "quality": {"ultra"}}, preset.Apply(Params{Port: 4747}))
	if err != nil || p.Quality != 90 {
		t.Errorf("Unknown quality should keep the preset quality, got %d %v", p.Quality, err)
	}
}

func TestPresetsAreOverriddenByQuery(t *testing.T) {
	preset, ok := LookupPreset("lowbandwidth")
	if !ok {
		t.Fatal("lowbandwidth preset missing")
	}
	q := url.Values{"ip": {"cam.local"}, "fps_limit": {"5"}}
	p, err := ParseParams(q, preset.Apply(Params{Port: 4747}))
	if err != nil {
		t.Fatal(err)
	}
	if p.FPSLimit != 5 {
		t.Errorf("Query should override preset fps, got %v", p.FPSLimit)
	}
	if p.Width != 320 || p.Policy != governor.PolicyDropLatest {
		t.Errorf("Preset values should remain: %+v", p)
	}

	if _, ok := LookupPreset("nope"); ok {
		t.Error("Unknown preset should not resolve")
	}
	if len(Presets()) != len(presets) {
		t.Error("Presets should list every preset")
	}
}

func TestHintedURL(t *testing.T) {
	p := Params{Width: 640, Height: 480, FPSLimit: 15}
	got, err := url.Parse(hintedURL("http://10.0.0.5:4747/video", p))
	if err != nil {
		t.Fatal(err)
	}
	q := got.Query()
	if q.Get("width") != "640" || q.Get("size") != "640x480" || q.Get("framerate") != "15" {
		t.Errorf("Missing hints in %s", got)
	}
	if hintedURL("http://h/video", Params{}) != "http://h/video" {
		t.Error("No hints should leave the URL untouched")
	}
}
