package policy

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id, statements string) Document {
	return Document{ID: id, Name: id, Statements: json.RawMessage(statements)}
}

func compileAll(t *testing.T, docs ...Document) []*Compiled {
	t.Helper()
	out := make([]*Compiled, 0, len(docs))
	for _, d := range docs {
		c, errs := Compile(d)
		require.Empty(t, errs)
		out = append(out, c)
	}
	return out
}

func TestCompileSkipsMalformedStatements(t *testing.T) {
	c, errs := Compile(doc("p1", `[
		{"effect":"Allow","actions":["user:Read"],"resources":["res:*"]},
		{"effect":"Maybe","actions":["user:Read"],"resources":["res:*"]},
		{"effect":"Allow","actions":"user:Read","resources":["res:*"]},
		{"effect":"Deny","actions":[],"resources":["res:*"]},
		{"effect":"deny","actions":["user:Delete"],"resources":["res:*"]},
		42
	]`))
	require.Len(t, c.Rules, 2)
	assert.Equal(t, EffectAllow, c.Rules[0].Effect)
	assert.Equal(t, EffectDeny, c.Rules[1].Effect)
	require.Len(t, errs, 4)
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrMalformed))
	}
}

func TestCompileRejectsNonListContainer(t *testing.T) {
	c, errs := Compile(doc("p1", `{"effect":"Allow","actions":["*"],"resources":["*"]}`))
	assert.Empty(t, c.Rules)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformed)
}

func TestDecideDefaultDeny(t *testing.T) {
	assert.False(t, Decide(nil, "user:Read", "res:1"))
	assert.False(t, Decide(compileAll(t, doc("empty", `[]`)), "user:Read", "res:1"))
	assert.False(t, Decide(compileAll(t, doc("other", `[{"effect":"Allow","actions":["role:*"],"resources":["*"]}]`)), "user:Read", "res:1"))
}

func TestDecideExplicitDenyWins(t *testing.T) {
	policies := compileAll(t,
		doc("allow-all", `[{"effect":"Allow","actions":["*"],"resources":["*"]}]`),
		doc("deny-read", `[{"effect":"Deny","actions":["user:Read"],"resources":["res:*"]}]`),
	)
	assert.False(t, Decide(policies, "user:Read", "res:7"))
	assert.True(t, Decide(policies, "user:Write", "res:7"))
}

func TestDecideRequiresBothActionAndResource(t *testing.T) {
	policies := compileAll(t, doc("p", `[{"effect":"Allow","actions":["user:Read"],"resources":["res:1"]}]`))
	assert.True(t, Decide(policies, "user:Read", "res:1"))
	assert.False(t, Decide(policies, "user:Read", "res:2"))
	assert.False(t, Decide(policies, "user:Write", "res:1"))
}

func TestDecideIsOrderIndependent(t *testing.T) {
	allow := doc("a", `[{"effect":"Allow","actions":["*"],"resources":["*"]}]`)
	deny := doc("d", `[{"effect":"Deny","actions":["settings:*"],"resources":["*"]}]`)
	mixed := doc("m", `[
		{"effect":"Deny","actions":["settings:Read"],"resources":["res:*"]},
		{"effect":"Allow","actions":["settings:Read"],"resources":["res:*"]}
	]`)
	orders := [][]Document{
		{allow, deny, mixed},
		{mixed, deny, allow},
		{deny, allow, mixed, allow, deny},
	}
	for _, order := range orders {
		policies := compileAll(t, order...)
		assert.False(t, Decide(policies, "settings:Read", "res:1"))
		assert.True(t, Decide(policies, "user:Read", "res:1"))
	}
}

func TestCacheReusesAndRecompiles(t *testing.T) {
	var reported int
	cache := NewCache(2)
	cache.OnMalformed = func(_ Document, errs []error) { reported += len(errs) }

	d := doc("p", `[{"effect":"Allow","actions":["*"],"resources":["*"]}, 1]`)
	first := cache.Get(d)
	second := cache.Get(d)
	assert.Same(t, first, second)
	assert.Equal(t, 1, reported)

	edited := doc("p", `[{"effect":"Deny","actions":["*"],"resources":["*"]}]`)
	third := cache.Get(edited)
	assert.NotSame(t, first, third)
	assert.Equal(t, EffectDeny, third.Rules[0].Effect)

	cache.Get(doc("q", `[]`))
	assert.LessOrEqual(t, cache.Len(), 2)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewCache(2)
	a := doc("a", `[]`)
	b := doc("b", `[]`)

	firstA := cache.Get(a)
	firstB := cache.Get(b)
	assert.Same(t, firstA, cache.Get(a), "hit refreshes a")

	cache.Get(doc("c", `[]`))
	assert.Equal(t, 2, cache.Len())
	assert.Same(t, firstA, cache.Get(a), "recently used entry survives")
	assert.NotSame(t, firstB, cache.Get(b), "least recently used entry was evicted")
	assert.Equal(t, 2, cache.Len())
}
