package rewrite

// Family selects the route a rewritten reference points at.
type Family int

const (
	// FamilyPage references are navigations and go through the page route.
	FamilyPage Family = iota
	// FamilyAsset references are sub-resources and go through the asset route.
	FamilyAsset
)

func (f Family) String() string {
	if f == FamilyPage {
		return "page"
	}
	return "asset"
}

// Rule maps one element attribute to a route family.
type Rule struct {
	Tag    string
	Attr   string
	Family Family
}

// Rules lists every rewritten reference.
var Rules = []Rule{
	{Tag: "a", Attr: "href", Family: FamilyPage},
	{Tag: "area", Attr: "href", Family: FamilyPage},
	{Tag: "form", Attr: "action", Family: FamilyPage},
	{Tag: "img", Attr: "src", Family: FamilyAsset},
	{Tag: "script", Attr: "src", Family: FamilyAsset},
	{Tag: "link", Attr: "href", Family: FamilyAsset},
	{Tag: "iframe", Attr: "src", Family: FamilyAsset},
	{Tag: "frame", Attr: "src", Family: FamilyAsset},
	{Tag: "source", Attr: "src", Family: FamilyAsset},
	{Tag: "embed", Attr: "src", Family: FamilyAsset},
}

var rulesByTag = func() map[string]Rule {
	m := make(map[string]Rule, len(Rules))
	for _, r := range Rules {
		m[r.Tag] = r
	}
	return m
}()

func (s *Stats) count(f Family) {
	if f == FamilyPage {
		s.Page++
	} else {
		s.Asset++
	}
}
