package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTree() *Registry {
	root := &Node{
		ID: "root",
		Children: []*Node{
			{ID: "us", Endpoint: "https://us.example.com", Fallbacks: []string{"eu"}},
			{ID: "eu", Endpoint: "https://eu.example.com", Fallbacks: []string{"us"}},
			{ID: "apac", Endpoint: "https://apac.example.com", Fallbacks: []string{"us"}},
		},
	}
	return New(root)
}

func TestFindByIDAndEndpoint(t *testing.T) {
	r := buildTestTree()

	node := r.FindByID("us")
	require.NotNil(t, node)
	assert.Equal(t, "https://us.example.com", node.Endpoint)

	byEndpoint := r.FindByEndpoint("HTTPS://US.EXAMPLE.COM")
	require.NotNil(t, byEndpoint)
	assert.Equal(t, "us", byEndpoint.ID)

	assert.Nil(t, r.FindByID("missing"))
	assert.Nil(t, r.FindByEndpoint("https://missing.example.com"))
}

func TestFlattenAndRoots(t *testing.T) {
	r := buildTestTree()

	flat := r.Flatten()
	assert.Len(t, flat, 4) // root + 3 children

	roots := r.Roots()
	assert.Len(t, roots, 3)
}

func TestResolveNextSkipsUnhealthy(t *testing.T) {
	r := buildTestTree()

	health := map[string]Health{"us": HealthUnhealthy}
	next := r.ResolveNext("us", health, ResolveOpts{})
	require.NotNil(t, next)
	assert.NotEqual(t, "us", next.ID, "must not resolve to a node tagged unhealthy")
}

func TestResolveNextForceIncludeBypassesHealth(t *testing.T) {
	r := buildTestTree()

	health := map[string]Health{"eu": HealthUnhealthy}
	next := r.ResolveNext("us", health, ResolveOpts{ForceInclude: []string{"eu"}})
	require.NotNil(t, next)
	assert.Equal(t, "eu", next.ID)
}

func TestResolveNextToleratesFallbackCycles(t *testing.T) {
	r := buildTestTree()

	health := map[string]Health{"us": HealthUnhealthy, "eu": HealthUnhealthy, "apac": HealthUnhealthy}
	// Every candidate is unhealthy; ResolveNext must still terminate (not
	// loop forever chasing the us<->eu fallback cycle) and fall back to the
	// first root child.
	next := r.ResolveNext("us", health, ResolveOpts{})
	require.NotNil(t, next)
	assert.Equal(t, "us", next.ID)
}

func TestResolveNextEndpointUnknownCurrentFallsBackToRoot(t *testing.T) {
	r := buildTestTree()

	id, endpoint, found := r.ResolveNextEndpoint("https://unknown.example.com", nil, nil)
	require.True(t, found)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, endpoint)
}

func TestResolveNextEmptyTree(t *testing.T) {
	r := New(nil)
	assert.Nil(t, r.ResolveNext("anything", nil, ResolveOpts{}))

	_, _, found := r.ResolveNextEndpoint("https://x.example.com", nil, nil)
	assert.False(t, found)
}
