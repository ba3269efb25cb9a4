package rewrite

import (
	"bytes"
	"html"

	nethtml "golang.org/x/net/html"
)

// InPlace rewrites documents with the HTML tokenizer. Tokens that need no
// change are copied byte for byte, so rewriting an already rewritten
// document returns identical bytes.
type InPlace struct{}

func (InPlace) Name() string { return StrategyInPlace }

// scan is what the first pass learns about a document.
type scan struct {
	hasInterceptor bool
	hasHead        bool
	baseHref       string
}

func (InPlace) Rewrite(doc []byte, rc *Context) ([]byte, Stats) {
	var stats Stats
	res := newResolver(rc)
	sc := scanDocument(doc, rc)
	if sc.baseHref != "" {
		stats.Base = res.setBase(sc.baseHref)
	}

	inject := !sc.hasInterceptor
	script := interceptorTag(rc)

	out := bytes.NewBuffer(make([]byte, 0, len(doc)+len(doc)/8+len(script)))
	z := nethtml.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			// A tag cut off by EOF is still in Raw.
			out.Write(z.Raw())
			if inject {
				out.WriteString(script)
				stats.Injected = true
			}
			return out.Bytes(), stats

		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			raw := bytes.Clone(z.Raw())
			name, hasAttr := z.TagName()
			tag := string(name)

			if rewritten, ok := rewriteTag(z, tt, tag, hasAttr, res, &stats); ok {
				out.WriteString(rewritten)
			} else {
				out.Write(raw)
			}

			if inject && sc.hasHead && tag == "head" && tt == nethtml.StartTagToken {
				out.WriteString(script)
				inject = false
				stats.Injected = true
			}

		case nethtml.EndTagToken:
			if inject && !sc.hasHead {
				raw := bytes.Clone(z.Raw())
				if name, _ := z.TagName(); string(name) == "body" {
					out.WriteString(script)
					inject = false
					stats.Injected = true
				}
				out.Write(raw)
				continue
			}
			out.Write(z.Raw())

		default:
			out.Write(z.Raw())
		}
	}
}

// rewriteTag re-serializes the current tag when one of its attributes changes.
// The tag name has already been consumed, so attributes are read directly.
func rewriteTag(z *nethtml.Tokenizer, tt nethtml.TokenType, tag string, hasAttr bool, res *resolver, stats *Stats) (string, bool) {
	rule, isRule := rulesByTag[tag]
	if !hasAttr || (!isRule && tag != "base") {
		return "", false
	}

	tok := nethtml.Token{Type: tt, Data: tag}
	for more := true; more; {
		var key, val []byte
		key, val, more = z.TagAttr()
		tok.Attr = append(tok.Attr, nethtml.Attribute{Key: string(key), Val: string(val)})
	}

	changed := false
	for i, a := range tok.Attr {
		switch {
		case tag == "base" && a.Key == "href":
			tok.Attr[i].Key = baseAttr
			changed = true
		case isRule && a.Key == rule.Attr:
			if v, ok := res.rewrite(a.Val, rule.Family); ok {
				tok.Attr[i].Val = v
				stats.count(rule.Family)
				changed = true
			}
		}
	}
	if !changed {
		return "", false
	}
	return tok.String(), true
}

// scanDocument finds the elements the rewrite pass depends on.
func scanDocument(doc []byte, rc *Context) scan {
	var sc scan
	src := rc.InterceptorSrc()
	z := nethtml.NewTokenizer(bytes.NewReader(doc))
	for {
		switch z.Next() {
		case nethtml.ErrorToken:
			return sc
		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				sc.hasHead = true
			case "script":
				if hasAttr && attrValue(z, "src") == src {
					sc.hasInterceptor = true
				}
			case "base":
				if sc.baseHref != "" || !hasAttr {
					continue
				}
				for {
					key, val, more := z.TagAttr()
					if k := string(key); (k == "href" || k == baseAttr) && len(val) > 0 {
						sc.baseHref = string(val)
						break
					}
					if !more {
						break
					}
				}
			}
		}
	}
}

func attrValue(z *nethtml.Tokenizer, key string) string {
	for {
		k, v, more := z.TagAttr()
		if string(k) == key {
			return string(v)
		}
		if !more {
			return ""
		}
	}
}

func interceptorTag(rc *Context) string {
	return `<script src="` + html.EscapeString(rc.InterceptorSrc()) + `"></script>`
}
