package render

import (
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/naming"
)

type countingObserver struct {
	mu        sync.Mutex
	rewritten map[string]int
	fallbacks map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{rewritten: map[string]int{}, fallbacks: map[string]int{}}
}

func (o *countingObserver) ObserveRewrite(pass string, rewritten, fallbacks int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rewritten[pass] += rewritten
	o.fallbacks[pass] += fallbacks
}

func newCipher(t *testing.T) *crypto.NameCipher {
	t.Helper()
	c, err := crypto.NewNameCipher(crypto.NewCredentials("abc123", "tok_xyz"))
	require.NoError(t, err)
	return c
}

func schemeURL(t *testing.T, c *crypto.NameCipher, name string) string {
	t.Helper()
	token, err := c.Encrypt(name)
	require.NoError(t, err)
	return "https://cdn.example.com/emoji/" + naming.BuildKey(token, "png")
}

func TestRewriteNative(t *testing.T) {
	r := NewRewriter(nil)

	out := r.RewriteNative("hi <a:wave:123456789012345678> there")
	assert.Equal(t, "hi ![wave](emoji://123456789012345678?animated=true&name=wave) there", out)

	out = r.RewriteNative("<:thumbs_up:42><:x:7>")
	assert.Equal(t, "![thumbs_up](emoji://42?animated=false&name=thumbs_up)![x](emoji://7?animated=false&name=x)", out)

	assert.Equal(t, "no <emoji> here <:bad name:1>", r.RewriteNative("no <emoji> here <:bad name:1>"))
}

func TestRewriteLinks_BareURLFallback(t *testing.T) {
	obs := newCountingObserver()
	r := NewRewriter(newCipher(t), WithObserver(obs))

	in := "look https://cdn.example.com/AbCd123.stossymoji.png nice"
	out := r.RewriteLinks(in)
	assert.Equal(t, "look ![emoji](https://cdn.example.com/AbCd123.stossymoji.png) nice", out)
	assert.Equal(t, 1, obs.rewritten["links"])
	assert.Equal(t, 1, obs.fallbacks["links"])
}

func TestRewriteLinks_DecryptsName(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c)
	u := schemeURL(t, c, "fire")

	assert.Equal(t, "![fire]("+u+")", r.RewriteLinks(u))
	assert.Equal(t, "hot: ![fire]("+u+").", r.RewriteLinks("hot: "+u+"."))

	// A plain markdown link is promoted, keeping its label.
	assert.Equal(t, "![blaze]("+u+")", r.RewriteLinks("[blaze]("+u+")"))

	// Empty labels and labels that repeat the link fall through to the name.
	assert.Equal(t, "![fire]("+u+")", r.RewriteLinks("[]("+u+")"))
	assert.Equal(t, "![fire]("+u+")", r.RewriteLinks("["+u+"]("+u+")"))

	// A link title is kept on the image.
	assert.Equal(t, "![blaze]("+u+` "hot")`, r.RewriteLinks("[blaze]("+u+` "hot")`))
}

func TestRewriteLinks_LeavesImagesAndOtherLinks(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c)
	u := schemeURL(t, c, "fire")

	inputs := []string{
		"![custom](" + u + ")",
		"![](" + u + ")",
		"[docs](https://example.com/readme.md)",
		"https://example.com/plain.png",
		"[![x](https://example.com/a.png)](" + u + ")",
		"[![x](" + u + ")](https://example.com/page)",
		"<" + u + ">",
		"see <" + u + "> here",
		`[docs](https://example.com/readme.md "readme")`,
		"nothing to see",
		"",
	}
	for _, in := range inputs {
		assert.Equal(t, in, r.RewriteLinks(in), in)
	}
}

func TestRewriteLinks_MixedContentKeepsOffsets(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c)
	fire := schemeURL(t, c, "fire")
	ice := schemeURL(t, c, "ice")

	in := "a " + fire + " b [cold](" + ice + ") c ![x](" + fire + ") d " + ice
	want := "a ![fire](" + fire + ") b ![cold](" + ice + ") c ![x](" + fire + ") d ![ice](" + ice + ")"
	assert.Equal(t, want, r.RewriteLinks(in))
}

func TestRewriteLinks_PercentEncodedAndCase(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c)
	token, err := c.Encrypt("fire")
	require.NoError(t, err)

	u := "https://cdn.example.com/emoji%2F" + token + ".STOSSYMOJI.PNG?download=1"
	assert.Equal(t, "![fire]("+u+")", r.RewriteLinks(u))
}

func TestRewriteLinks_AltSanitized(t *testing.T) {
	r := NewRewriter(nil)
	u := "https://cdn.example.com/AbCd123.stossymoji.png"

	assert.Equal(t, "![a b]("+u+")", r.RewriteLinks("[a b]("+u+")"))
	assert.Equal(t, "a", sanitizeAlt("[a]"))
	assert.Equal(t, "x y", sanitizeAlt("x\ny"))
}

func TestRewrite_Idempotent(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c)
	fire := schemeURL(t, c, "fire")

	inputs := []string{
		"hi <a:wave:123456789012345678> there",
		"look https://cdn.example.com/AbCd123.stossymoji.png nice",
		"[label](" + fire + ") and " + fire + " and <:ok:1>",
		"héllo 👋🏽 " + fire + " ✨ <:x:9> 日本語",
	}
	for _, in := range inputs {
		once := r.Rewrite(in)
		twice := r.Rewrite(once)
		assert.Equal(t, once, twice, in)
		assert.False(t, strings.Contains(twice, "![!["), twice)
		assert.True(t, utf8.ValidString(twice))
	}
}

func TestRewrite_UnicodeBoundaries(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c)
	fire := schemeURL(t, c, "fire")

	in := "👨‍👩‍👧 " + fire + " ❤️ <a:wave:1>"
	out := r.Rewrite(in)
	assert.Equal(t, "👨‍👩‍👧 ![fire]("+fire+") ❤️ ![wave](emoji://1?animated=true&name=wave)", out)
}

func TestResolveNativeURL(t *testing.T) {
	r := NewRewriter(nil)

	got, err := r.ResolveNativeURL("emoji://123456789012345678?name=wave&animated=true")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.discordapp.com/emojis/123456789012345678.gif", got)

	got, err = r.ResolveNativeURL(NativeURL("42", "ok", false))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.discordapp.com/emojis/42.png", got)

	custom := NewRewriter(nil, WithNativeCDN("https://emoji.internal/"))
	got, err = custom.ResolveNativeURL("emoji://7")
	require.NoError(t, err)
	assert.Equal(t, "https://emoji.internal/7.png", got)

	for _, bad := range []string{"https://cdn.example.com/1.png", "emoji://abc", "emoji://", "::"} {
		_, err := r.ResolveNativeURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestRewriter_ConcurrentUse(t *testing.T) {
	c := newCipher(t)
	r := NewRewriter(c, WithObserver(newCountingObserver()))
	fire := schemeURL(t, c, "fire")
	want := "![fire](" + fire + ")"

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.Equal(t, want, r.Rewrite(fire))
			}
		}()
	}
	wg.Wait()
}
