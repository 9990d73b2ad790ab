package signedtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := New("test-secret", opts...)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestRoundTrip(t *testing.T) {
	c := newCodec(t)

	tok, err := c.Encode("https://example.com", map[string]string{"m": "send123"})
	require.NoError(t, err)

	p, ok := c.Decode(tok)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", p.Original)
	assert.Equal(t, map[string]string{"m": "send123"}, p.Metadata)
}

func TestRoundTrip_ArbitraryInputs(t *testing.T) {
	c := newCodec(t)
	inputs := []struct {
		original string
		meta     map[string]string
	}{
		{"", nil},
		{"https://example.com/a?b=c&d=%20e#frag", map[string]string{"sendId": "s-1"}},
		{"ünïcødé ✓ \x00 bytes", map[string]string{"k": "", "": "v", "emoji": "🎯"}},
	}
	for _, in := range inputs {
		tok, err := c.Encode(in.original, in.meta)
		require.NoError(t, err)
		p, ok := c.Decode(tok)
		require.True(t, ok)
		assert.Equal(t, in.original, p.Original)
		assert.Equal(t, len(in.meta), len(p.Metadata))
		for k, v := range in.meta {
			assert.Equal(t, v, p.Metadata[k])
		}
	}
}

func TestDecode_RejectsEveryMutatedByte(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Encode("https://example.com/offer", map[string]string{"sendId": "abc"})
	require.NoError(t, err)

	alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	for i := 0; i < len(tok); i++ {
		b := []byte(tok)
		for j := 0; j < len(alphabet); j++ {
			if alphabet[j] != b[i] {
				b[i] = alphabet[j]
				break
			}
		}
		p, ok := c.Decode(string(b))
		// the last character may only carry padding bits; if decoding
		// still succeeds the payload must be the untouched original
		if ok {
			require.Equal(t, len(tok)-1, i)
			assert.Equal(t, "https://example.com/offer", p.Original)
			continue
		}
		assert.Nil(t, p)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Encode("https://example.com", nil)
	require.NoError(t, err)

	for _, bad := range []string{"", "x", "!!!not base64!!!", tok[:len(tok)-4], tok[:10], tok + "AAAA"} {
		p, ok := c.Decode(bad)
		assert.False(t, ok, bad)
		assert.Nil(t, p)
	}
}

func TestDecode_RejectsOtherSecret(t *testing.T) {
	a := newCodec(t)
	b, err := New("another-secret")
	require.NoError(t, err)

	tok, err := a.Encode("https://example.com", nil)
	require.NoError(t, err)
	_, ok := b.Decode(tok)
	assert.False(t, ok)
}

func TestEncode_DistinctPerSendID(t *testing.T) {
	c := newCodec(t)
	a, err := c.Encode("https://example.com/same", map[string]string{"sendId": "A"})
	require.NoError(t, err)
	b, err := c.Encode("https://example.com/same", map[string]string{"sendId": "B"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	pa, ok := c.Decode(a)
	require.True(t, ok)
	pb, ok := c.Decode(b)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/same", pa.Original)
	assert.Equal(t, "https://example.com/same", pb.Original)
	assert.Equal(t, "A", pa.Metadata["sendId"])
	assert.Equal(t, "B", pb.Metadata["sendId"])
}

func TestEncodeWithExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newCodec(t, WithClock(func() time.Time { return now }))

	meta := map[string]string{"contactId": "c1"}
	tok, err := c.EncodeWithExpiry("https://example.com/unsubscribe", meta, time.Hour)
	require.NoError(t, err)
	assert.NotContains(t, meta, ExpiresKey)

	p, ok := c.Decode(tok)
	require.True(t, ok)
	assert.Equal(t, "c1", p.Metadata["contactId"])

	now = now.Add(2 * time.Hour)
	_, ok = c.Decode(tok)
	assert.False(t, ok)
}

func TestDecode_NoExpiryNeverExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newCodec(t, WithClock(func() time.Time { return now }))
	tok, err := c.Encode("https://example.com", nil)
	require.NoError(t, err)

	now = now.AddDate(10, 0, 0)
	_, ok := c.Decode(tok)
	assert.True(t, ok)
}
