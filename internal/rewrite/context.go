// Package rewrite rewrites the references embedded in HTML documents so that
// following them keeps the browser inside the proxy.
package rewrite

import (
	"fmt"
	"net/url"
	"strings"
)

// Routes are the proxy paths references are rewritten to.
type Routes struct {
	Page        string
	Asset       string
	Relay       string
	Interceptor string
}

// Context carries the per-document inputs of a rewrite. It is not modified
// by engines; a <base href> found in the document only affects that pass.
type Context struct {
	// Base is the final URL of the document after redirects.
	Base *url.URL
	// Prefix is prepended to every route; empty yields root-relative URLs.
	Prefix string
	Routes Routes
}

// NewContext returns a Context for a document fetched from base.
func NewContext(base *url.URL, prefix string, routes Routes) *Context {
	return &Context{
		Base:   base,
		Prefix: strings.TrimSuffix(prefix, "/"),
		Routes: routes,
	}
}

// InterceptorSrc is the src of the injected interceptor script.
func (rc *Context) InterceptorSrc() string {
	return rc.Prefix + rc.Routes.Interceptor
}

// Stats summarizes one rewrite pass.
type Stats struct {
	Page     int
	Asset    int
	Injected bool
	// Base reports whether a <base href> replaced the final URL as document base.
	Base bool
}

// Engine rewrites a complete HTML document. Rewrite never fails: content it
// cannot interpret is emitted unchanged.
type Engine interface {
	Rewrite(doc []byte, rc *Context) ([]byte, Stats)
	Name() string
}

// New returns the engine registered under strategy.
func New(strategy string) (Engine, error) {
	switch strategy {
	case "", StrategyInPlace:
		return InPlace{}, nil
	case StrategyDOM:
		return DOM{}, nil
	}
	return nil, fmt.Errorf("unknown rewrite strategy %q", strategy)
}

const (
	StrategyInPlace = "inplace"
	StrategyDOM     = "dom"
)

// baseAttr holds the original href of a neutralized <base> element.
const baseAttr = "data-pageproxy-base"

// skippedSchemes are references that never leave the page through the proxy.
var skippedSchemes = []string{"javascript:", "data:", "mailto:", "tel:", "about:", "blob:", "vbscript:"}

// resolver rewrites single attribute values for one document.
type resolver struct {
	rc   *Context
	base *url.URL
}

func newResolver(rc *Context) *resolver {
	return &resolver{rc: rc, base: rc.Base}
}

// setBase applies a <base href> value. Relative values resolve against the final URL.
func (r *resolver) setBase(href string) bool {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}
	abs := r.rc.Base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return false
	}
	r.base = abs
	return true
}

// rewrite returns the proxied form of val, or false when val must stay as is.
func (r *resolver) rewrite(val string, family Family) (string, bool) {
	v := strings.TrimSpace(val)
	if v == "" || v[0] == '#' {
		return "", false
	}
	lower := strings.ToLower(v)
	for _, s := range skippedSchemes {
		if strings.HasPrefix(lower, s) {
			return "", false
		}
	}
	if r.isProxied(v) {
		return "", false
	}

	ref, err := url.Parse(v)
	if err != nil {
		return "", false
	}
	abs := r.base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}

	route := r.rc.Routes.Asset
	if family == FamilyPage {
		route = r.rc.Routes.Page
	}
	frag := abs.EscapedFragment()
	abs.Fragment, abs.RawFragment = "", ""

	out := r.rc.Prefix + route + "?url=" + url.QueryEscape(abs.String())
	if frag != "" && family == FamilyPage {
		out += "#" + frag
	}
	return out, true
}

// isProxied reports whether v already targets one of the proxy's routes.
func (r *resolver) isProxied(v string) bool {
	if v == r.rc.InterceptorSrc() || v == r.rc.Routes.Interceptor {
		return true
	}
	for _, route := range []string{r.rc.Routes.Page, r.rc.Routes.Asset, r.rc.Routes.Relay} {
		if route == "" {
			continue
		}
		for _, p := range []string{r.rc.Prefix + route, route} {
			rest, ok := strings.CutPrefix(v, p+"?")
			if !ok {
				continue
			}
			if q, err := url.ParseQuery(rest); err == nil && q.Has("url") {
				return true
			}
		}
	}
	return false
}
