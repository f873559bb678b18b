// Package routing decides which workspace folder owns a tiddler and keeps
// the persisted routing rules that configure it.
package routing

import (
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/tagtree"
)

// Router applies the first-match, priority-ordered routing policy.
type Router struct {
	tags *tagtree.Resolver
}

// NewRouter returns a router that tests membership with tags.
func NewRouter(tags *tagtree.Resolver) *Router {
	return &Router{tags: tags}
}

// Route returns the workspace that should own title. Sub-workspaces are
// tried in ascending Order (input order breaks ties) and the first whose
// routing tag tree contains the tiddler wins; otherwise main owns it.
// Decisions are never cached: tags may change between saves.
func (r *Router) Route(title string, tags []string, main models.Workspace, subs []models.Workspace) models.Workspace {
	for _, sub := range models.SortByOrder(subs) {
		if sub.RoutingTag == "" {
			continue
		}
		if r.tags.IsInTagTreeOf(title, tags, sub.RoutingTag, tagtree.Options{}) {
			return sub
		}
	}
	return main
}
