// Package region implements the static RegionRegistry: a rooted tree of
// regional endpoints with fallback edges, health-aware traversal, and
// lookup by id or endpoint.
package region

import "strings"

// Health is the tri-state health tag a region can carry.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthUnhealthy  Health = "unhealthy"
	HealthDeprecated Health = "deprecated"
)

// Node is one entry in the region tree. Nodes are immutable once built; the
// tree is assembled by Registry at construction time.
type Node struct {
	ID       string
	Label    string
	Provider string
	Endpoint string
	Weight   int

	Children  []*Node
	Fallbacks []string // node IDs, resolved against the owning Registry
}

// Registry is a static rooted tree of Node, indexed by ID and endpoint for
// O(1) lookup. The zero value is not usable; build one with New.
type Registry struct {
	root     *Node
	byID     map[string]*Node
	byEndLow map[string]*Node // endpoint, lower-cased, for case-insensitive match
}

// New builds a Registry rooted at root, indexing every node reachable from
// it (pre-order) by ID and by lower-cased endpoint.
func New(root *Node) *Registry {
	r := &Registry{
		root:     root,
		byID:     make(map[string]*Node),
		byEndLow: make(map[string]*Node),
	}
	if root == nil {
		return r
	}
	for _, n := range flattenFrom(root) {
		r.byID[n.ID] = n
		r.byEndLow[strings.ToLower(n.Endpoint)] = n
	}
	return r
}

// FindByID returns the node with the given id, or nil.
func (r *Registry) FindByID(id string) *Node {
	return r.byID[id]
}

// FindByEndpoint returns the node whose endpoint matches endpoint
// case-insensitively, or nil.
func (r *Registry) FindByEndpoint(endpoint string) *Node {
	return r.byEndLow[strings.ToLower(endpoint)]
}

// Flatten returns every node in the tree, pre-order.
func (r *Registry) Flatten() []*Node {
	if r.root == nil {
		return nil
	}
	return flattenFrom(r.root)
}

// Roots returns the root's direct children — the default region set a
// Supervisor falls back to when the caller supplies none.
func (r *Registry) Roots() []*Node {
	if r.root == nil {
		return nil
	}
	return append([]*Node(nil), r.root.Children...)
}

func flattenFrom(n *Node) []*Node {
	out := []*Node{n}
	for _, c := range n.Children {
		out = append(out, flattenFrom(c)...)
	}
	return out
}

// ResolveOpts configures ResolveNext.
type ResolveOpts struct {
	// ForceInclude lists node IDs that bypass the health filter — a caller
	// may need to retarget a region it knows is unhealthy but must use.
	ForceInclude []string
}

// ResolveNext finds the next usable region reachable from currentID by
// breadth-first search over children, then fallbacks, of each visited node
// in turn. Nodes tagged unhealthy or deprecated in health are skipped unless
// their ID is listed in opts.ForceInclude. Cycles in fallback edges are
// tolerated via a visited set. If the BFS is exhausted without a hit, the
// first root child is returned as a last resort. ResolveNext returns nil
// only when the tree itself is empty.
func (r *Registry) ResolveNext(currentID string, health map[string]Health, opts ResolveOpts) *Node {
	if r.root == nil {
		return nil
	}

	forced := make(map[string]bool, len(opts.ForceInclude))
	for _, id := range opts.ForceInclude {
		forced[id] = true
	}

	usable := func(n *Node) bool {
		if n == nil {
			return false
		}
		if forced[n.ID] {
			return true
		}
		switch health[n.ID] {
		case HealthUnhealthy, HealthDeprecated:
			return false
		default:
			return true
		}
	}

	start := r.byID[currentID]
	if start == nil {
		start = r.root
	}

	visited := map[string]bool{start.ID: true}
	queue := neighbors(start, r.byID)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == nil || visited[n.ID] {
			continue
		}
		visited[n.ID] = true
		if usable(n) {
			return n
		}
		queue = append(queue, neighbors(n, r.byID)...)
	}

	if roots := r.Roots(); len(roots) > 0 {
		return roots[0]
	}
	return nil
}

// ResolveNextEndpoint adapts ResolveNext to the toolkit.RegionResolver
// contract: it resolves currentEndpoint to a node (falling back to the
// tree root if unknown), converts the generic string-keyed health map, and
// returns the next node's id and endpoint.
func (r *Registry) ResolveNextEndpoint(currentEndpoint string, health map[string]string, forceInclude []string) (string, string, bool) {
	if r.root == nil {
		return "", "", false
	}
	current := r.FindByEndpoint(currentEndpoint)
	currentID := r.root.ID
	if current != nil {
		currentID = current.ID
	}

	typedHealth := make(map[string]Health, len(health))
	for k, v := range health {
		typedHealth[k] = Health(v)
	}

	next := r.ResolveNext(currentID, typedHealth, ResolveOpts{ForceInclude: forceInclude})
	if next == nil {
		return "", "", false
	}
	return next.ID, next.Endpoint, true
}

// neighbors returns n's children followed by its fallback targets resolved
// through byID (unresolvable fallback IDs are skipped).
func neighbors(n *Node, byID map[string]*Node) []*Node {
	out := make([]*Node, 0, len(n.Children)+len(n.Fallbacks))
	out = append(out, n.Children...)
	for _, fid := range n.Fallbacks {
		if fn := byID[fid]; fn != nil {
			out = append(out, fn)
		}
	}
	return out
}
