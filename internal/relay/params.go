package relay

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"camrelay/internal/governor"
	"camrelay/internal/transcoder"
)

// Params describe one relay request
type Params struct {
	Host      string
	Port      int
	Paths     []string // nil uses the prober's default paths
	FPSLimit  float64  // 0 disables rate limiting
	Policy    governor.Policy
	Width     int // 0 keeps the upstream size
	Height    int
	Quality   int // 0 means no re-encode was requested
	Transport string
	ClientIP  string
}

// Transcode reports whether frames must be decoded and re-encoded
func (p Params) Transcode() bool {
	return p.Width > 0 || p.Quality > 0
}

// Resolution returns the requested output size as "WxH", or "auto"
func (p Params) Resolution() string {
	if p.Width <= 0 {
		return "auto"
	}
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// ParseParams reads stream query parameters on top of base. Only keys that
// are present override base, so presets can supply the defaults.
func ParseParams(q url.Values, base Params) (Params, error) {
	p := base

	if ip := strings.TrimSpace(q.Get("ip")); ip != "" {
		p.Host = ip
	}
	if p.Host == "" {
		return p, fmt.Errorf("ip is required")
	}

	if v := q.Get("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return p, fmt.Errorf("invalid port %q", v)
		}
		p.Port = port
	}

	if v, ok := firstOf(q, "fps_limit", "fps"); ok {
		fps, err := parseFPS(v)
		if err != nil {
			return p, err
		}
		p.FPSLimit = fps
	}

	if v, ok := firstOf(q, "drop_strategy"); ok {
		p.Policy = governor.ParsePolicy(v)
	}

	if v, ok := firstOf(q, "resolution"); ok {
		w, h, err := transcoder.ParseResolution(v)
		if err != nil {
			return p, err
		}
		p.Width, p.Height = w, h
	}

	if v, ok := firstOf(q, "quality"); ok {
		quality, err := transcoder.ParseQuality(v)
		if err != nil {
			return p, err
		}
		// unknown names keep whatever quality the preset chose
		if quality > 0 {
			p.Quality = quality
		}
	}

	return p, nil
}

func firstOf(q url.Values, keys ...string) (string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v, true
		}
	}
	return "", false
}

func parseFPS(v string) (float64, error) {
	switch strings.ToLower(v) {
	case "auto", "none", "unlimited":
		return 0, nil
	}
	fps, err := strconv.ParseFloat(v, 64)
	if err != nil || fps < 0 {
		return 0, fmt.Errorf("invalid fps_limit %q", v)
	}
	return fps, nil
}

// hintedURL appends the camera-side resolution and rate hints some camera
// apps honour.
func hintedURL(raw string, p Params) string {
	if p.Width <= 0 && p.FPSLimit <= 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if p.Width > 0 {
		res := p.Resolution()
		q.Set("width", strconv.Itoa(p.Width))
		q.Set("height", strconv.Itoa(p.Height))
		q.Set("resolution", res)
		q.Set("size", res)
	}
	if p.FPSLimit > 0 {
		fps := strconv.Itoa(int(p.FPSLimit))
		q.Set("fps", fps)
		q.Set("framerate", fps)
		q.Set("rate", fps)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
