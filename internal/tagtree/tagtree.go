// Package tagtree computes which tiddlers sit under a tag, directly or
// through chains of intermediate tags.
package tagtree

import "strings"

// Source answers the one graph question the resolver needs.
type Source interface {
	// TaggedWith returns the titles of tiddlers directly tagged with tag.
	TaggedWith(tag string) []string
}

// Options modifies a membership test.
type Options struct {
	// Inclusive counts the root tag itself as a member.
	Inclusive bool
	// Negate returns the complement of the membership test.
	Negate bool
}

// Resolver memoizes tag-tree closures per root tag. It is not safe for
// concurrent use; it lives inside one session.
type Resolver struct {
	src   Source
	cache map[string]map[string]struct{}
}

// NewResolver returns a resolver over src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src, cache: make(map[string]map[string]struct{})}
}

// Invalidate drops every memoized closure. Call it after any change that
// adds or removes a tag edge.
func (r *Resolver) Invalidate() {
	clear(r.cache)
}

// Descendants returns every title tagged with rootTag or with any title
// already found, breadth first. The root never enters its own closure
// through a cycle. Callers must not modify the returned set.
func (r *Resolver) Descendants(rootTag string) map[string]struct{} {
	if set, ok := r.cache[rootTag]; ok {
		return set
	}

	result := make(map[string]struct{})
	visited := map[string]struct{}{rootTag: {}}
	queue := []string{rootTag}
	for len(queue) > 0 {
		tag := queue[0]
		queue = queue[1:]
		for _, title := range r.src.TaggedWith(tag) {
			if _, seen := visited[title]; seen {
				continue
			}
			visited[title] = struct{}{}
			result[title] = struct{}{}
			queue = append(queue, title)
		}
	}

	r.cache[rootTag] = result
	return result
}

// IsInTagTreeOf reports whether the tiddler title, carrying tags, is in the
// tag tree of rootTag. Its direct tags are checked first, which settles the
// common case of testing one tiddler as it is saved; only when that check
// is inconclusive is the full closure consulted.
func (r *Resolver) IsInTagTreeOf(title string, tags []string, rootTag string, opts Options) bool {
	member := r.contains(title, tags, rootTag, opts.Inclusive)
	if opts.Negate {
		return !member
	}
	return member
}

func (r *Resolver) contains(title string, tags []string, rootTag string, inclusive bool) bool {
	if rootTag == "" {
		return false
	}
	if title == rootTag {
		return inclusive
	}
	for _, t := range tags {
		if t == rootTag {
			return true
		}
	}

	closure := r.Descendants(rootTag)
	if _, ok := closure[title]; ok {
		return true
	}
	for _, t := range tags {
		if _, ok := closure[t]; ok {
			return true
		}
	}
	return false
}

// Filter is a parsed membership operator such as "in-tagtree-of" or its
// negated form "!in-tagtree-of:inclusive".
type Filter struct {
	RootTag string
	Options Options
}

// ParseFilter parses "[!]in-tagtree-of[:inclusive] <tag>". Anything else
// yields ok=false.
func ParseFilter(expr string) (Filter, bool) {
	op, tag, found := strings.Cut(strings.TrimSpace(expr), " ")
	tag = strings.TrimSpace(tag)
	if !found || tag == "" {
		return Filter{}, false
	}
	var f Filter
	if strings.HasPrefix(op, "!") {
		f.Options.Negate = true
		op = op[1:]
	}
	name, suffix, _ := strings.Cut(op, ":")
	if name != "in-tagtree-of" {
		return Filter{}, false
	}
	switch suffix {
	case "":
	case "inclusive":
		f.Options.Inclusive = true
	default:
		return Filter{}, false
	}
	f.RootTag = tag
	return f, true
}

// Match applies f to one tiddler.
func (r *Resolver) Match(f Filter, title string, tags []string) bool {
	return r.IsInTagTreeOf(title, tags, f.RootTag, f.Options)
}
