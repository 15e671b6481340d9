// Package bypass recognizes pages that stand in for the real answer: the
// source site's login wall and account checkpoint, and the block pages of
// common bot protection vendors.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Source names what produced a blocking page.
type Source string

const (
	LoginWall  Source = "LoginWall"
	Checkpoint Source = "Checkpoint"
	Cloudflare Source = "Cloudflare"
	Akamai     Source = "Akamai"
	DataDome   Source = "DataDome"
	PerimeterX Source = "PerimeterX"
)

// Response is the part of an HTTP response the signatures look at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Signature describes one blocking page. A response matches when its status
// is listed (or Statuses is empty) and any one of the markers is present.
type Signature struct {
	Source   Source
	Statuses []int
	// Location matches a substring of the redirect target on 3xx responses.
	Location []string
	// Server matches a lowercase substring of the Server header.
	Server []string
	// Headers matches on the presence of a header.
	Headers []string
	Body    []string
	// AllBody requires every one of these body markers.
	AllBody []string
}

// Matches reports whether res carries this signature.
func (s Signature) Matches(res Response) bool {
	if len(s.Statuses) > 0 && !hasStatus(s.Statuses, res.StatusCode) {
		return false
	}
	if res.StatusCode >= 300 && res.StatusCode < 400 {
		loc := res.Header.Get("Location")
		for _, l := range s.Location {
			if strings.Contains(loc, l) {
				return true
			}
		}
	}
	server := strings.ToLower(res.Header.Get("Server"))
	for _, sv := range s.Server {
		if strings.Contains(server, sv) {
			return true
		}
	}
	for _, h := range s.Headers {
		if res.Header.Get(h) != "" {
			return true
		}
	}
	for _, b := range s.Body {
		if bytes.Contains(res.Body, []byte(b)) {
			return true
		}
	}
	if len(s.AllBody) > 0 {
		for _, b := range s.AllBody {
			if !bytes.Contains(res.Body, []byte(b)) {
				return false
			}
		}
		return true
	}
	return false
}

var forbidden = []int{http.StatusForbidden}

// DefaultSignatures lists the site's own walls first, then vendor pages.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Source:   LoginWall,
			Location: []string{"/accounts/login"},
			Body:     []string{`"LoginAndSignupPage"`},
		},
		{
			Source:   Checkpoint,
			Location: []string{"/challenge/", "/checkpoint/"},
			Body:     []string{`"checkpoint_required"`, `"ChallengePage"`},
		},
		{
			Source:   Cloudflare,
			Statuses: []int{http.StatusForbidden, http.StatusServiceUnavailable},
			Server:   []string{"cloudflare"},
			Body:     []string{"cf-browser-verification", "cf-turnstile", "Attention Required! | Cloudflare"},
		},
		{
			Source:   Akamai,
			Statuses: forbidden,
			Server:   []string{"akamai"},
			AllBody:  []string{"Reference #", "Access Denied"},
		},
		{
			Source:   DataDome,
			Statuses: forbidden,
			Server:   []string{"datadome"},
			Headers:  []string{"X-DataDome", "X-DataDome-Response"},
			Body:     []string{"geo.captcha-delivery.com"},
		},
		{
			Source:   PerimeterX,
			Statuses: forbidden,
			Headers:  []string{"X-Px-Captcha"},
			Body:     []string{"client.perimeterx.net", "px-captcha", "_pxBlock"},
		},
	}
}

var defaults = DefaultSignatures()

// Detect checks res against DefaultSignatures.
func Detect(res Response) Source {
	return Analyze(res, defaults)
}

// Analyze returns the source of the first matching signature, or "" when the
// page looks like a genuine answer.
func Analyze(res Response, sigs []Signature) Source {
	for _, s := range sigs {
		if s.Matches(res) {
			return s.Source
		}
	}
	return ""
}

func hasStatus(list []int, code int) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}
