package framecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForIsSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("artwork-1"))
	require.Equal(t, hex.EncodeToString(sum[:]), KeyFor("artwork-1").String())
}

func TestKeyForAddressUsesCanonicalUUID(t *testing.T) {
	addr := uuid.MustParse("3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	require.Equal(t, KeyFor("3f2504e0-4f89-11d3-9a0c-0305e82c3301"), KeyForAddress(addr))
}

func TestContentKeyShardAndRelPath(t *testing.T) {
	k := KeyFor("shard me")
	hexKey := k.String()

	a, b, c := k.Shard()
	assert.Equal(t, hexKey[0:2], a)
	assert.Equal(t, hexKey[2:4], b)
	assert.Equal(t, hexKey[4:6], c)

	rel := k.RelPath(".webp")
	assert.Equal(t, strings.Join([]string{a, b, c, hexKey + ".webp"}, "/"), rel)
}

func TestParseContentKey(t *testing.T) {
	k := KeyFor("round trip")

	parsed, err := ParseContentKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = ParseContentKey("abc")
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"webp", FormatWebP},
		{".GIF", FormatGIF},
		{"png", FormatPNG},
		{"jpeg", FormatJPEG},
		{".jpg", FormatJPEG},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFormat("tiff")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, ".bin", Format(99).Ext())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassPermanent, Classify(ErrPermanent))
	assert.Equal(t, ClassTransient, Classify(errors.New("timeout")))
	assert.True(t, IsExhaustion(ErrExhausted))
}

func TestErrorClassText(t *testing.T) {
	for _, c := range []ErrorClass{ClassNone, ClassTransient, ClassPermanent} {
		text, err := c.MarshalText()
		require.NoError(t, err)

		var got ErrorClass
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, c, got)
	}

	var unknown ErrorClass = ClassPermanent
	require.NoError(t, unknown.UnmarshalText([]byte("future-class")))
	assert.Equal(t, ClassNone, unknown)
}
