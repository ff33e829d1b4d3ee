package tunnelproto

import (
	"net/http"
	"time"
)

// Cookie is a parsed Set-Cookie header. A zero Expires means a session
// cookie.
type Cookie struct {
	Name     string
	Value    string
	Expires  time.Time
	Path     string
	Domain   string
	SameSite string
	Secure   bool
	HTTPOnly bool
}

// CookieStore receives cookies set by tunnelled responses.
type CookieStore interface {
	StoreCookie(Cookie)
}

// CookieStoreFunc adapts a function to [CookieStore].
type CookieStoreFunc func(Cookie)

// StoreCookie calls f(c).
func (f CookieStoreFunc) StoreCookie(c Cookie) { f(c) }

// ParseSetCookie parses one Set-Cookie header value. Max-Age wins over
// Expires and is resolved against now.
func ParseSetCookie(line string, now time.Time) (Cookie, error) {
	hc, err := http.ParseSetCookie(line)
	if err != nil {
		return Cookie{}, err
	}
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Path:     hc.Path,
		Domain:   hc.Domain,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
		Expires:  hc.Expires,
	}
	switch {
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case hc.MaxAge < 0:
		c.Expires = time.Unix(0, 0).UTC()
	}
	switch hc.SameSite {
	case http.SameSiteLaxMode:
		c.SameSite = "Lax"
	case http.SameSiteStrictMode:
		c.SameSite = "Strict"
	case http.SameSiteNoneMode:
		c.SameSite = "None"
	}
	return c, nil
}

func (c *Codec) storeCookies(h Header) {
	if c.Cookies == nil {
		return
	}
	now := time.Now()
	if c.now != nil {
		now = c.now()
	}
	for _, line := range h.Values("Set-Cookie") {
		ck, err := ParseSetCookie(line, now)
		if err != nil {
			continue
		}
		if ck.HTTPOnly && !c.StoreHTTPOnlyCookies {
			continue
		}
		c.Cookies.StoreCookie(ck)
	}
}
