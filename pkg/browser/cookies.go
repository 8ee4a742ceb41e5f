package browser

import (
	"net/url"
	"strings"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/net/publicsuffix"
)

// Cookie is a browser cookie in the form persisted by auth artifacts.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Site returns the registrable domain (eTLD+1) the cookie belongs to.
func (c Cookie) Site() string {
	return registrableDomain(strings.TrimPrefix(c.Domain, "."))
}

// SiteOf returns the registrable domain of a URL's host.
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return registrableDomain(u.Hostname())
}

func registrableDomain(host string) string {
	if host == "" {
		return ""
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

// FilterSite keeps the cookies belonging to site.
func FilterSite(cookies []Cookie, site string) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Site() == site {
			out = append(out, c)
		}
	}
	return out
}

func fromPlaywright(in []playwright.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			ck.SameSite = string(*c.SameSite)
		}
		out = append(out, ck)
	}
	return out
}

func toPlaywright(in []Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(in))
	for _, c := range in {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			ss := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &ss
		}
		out = append(out, oc)
	}
	return out
}
