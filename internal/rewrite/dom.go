package rewrite

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
)

// DOM rewrites documents by parsing them into a tree and rendering it back.
// Output is normalized by the HTML parser, so formatting is not preserved.
type DOM struct{}

func (DOM) Name() string { return StrategyDOM }

func (DOM) Rewrite(doc []byte, rc *Context) ([]byte, Stats) {
	var stats Stats
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return doc, stats
	}

	res := newResolver(rc)
	d.Find("base").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if href, ok := s.Attr("href"); ok && href != "" {
			stats.Base = res.setBase(href)
			return false
		}
		if href, ok := s.Attr(baseAttr); ok && href != "" {
			stats.Base = res.setBase(href)
			return false
		}
		return true
	})
	d.Find("base[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		s.RemoveAttr("href")
		s.SetAttr(baseAttr, href)
	})

	for _, rule := range Rules {
		d.Find(rule.Tag + "[" + rule.Attr + "]").Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(rule.Attr)
			if v, ok := res.rewrite(val, rule.Family); ok {
				s.SetAttr(rule.Attr, v)
				stats.count(rule.Family)
			}
		})
	}

	src := rc.InterceptorSrc()
	present := d.Find("script[src]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("src")
		return v == src
	}).Length() > 0
	if !present {
		// The parser always synthesizes <head>.
		d.Find("head").First().PrependHtml(interceptorTag(rc))
		stats.Injected = true
	}

	out, err := d.Html()
	if err != nil {
		return doc, Stats{}
	}
	return []byte(out), stats
}
