package pairkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/nestchat/internal/apperr"
)

func TestNewIsOrderIndependent(t *testing.T) {
	ab, err := New("u1", "u2")
	require.NoError(t, err)
	ba, err := New("u2", "u1")
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Equal(t, ab.Key(), ba.Key())
	assert.Equal(t, ab.ChannelName(), ba.ChannelName())
	assert.Equal(t, "chat-u1-u2", ab.ChannelName())
	assert.Equal(t, "u1:u2", ab.Key())
}

func TestNewRejectsInvalidPairs(t *testing.T) {
	cases := []struct {
		name   string
		first  string
		second string
	}{
		{"empty first", "", "u2"},
		{"empty second", "u1", ""},
		{"whitespace only", "   ", "u2"},
		{"self pair", "u1", "u1"},
		{"self pair after trim", " u1 ", "u1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.first, tc.second)
			require.Error(t, err)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
		})
	}
}

func TestContains(t *testing.T) {
	p, err := New("u2", "u1")
	require.NoError(t, err)

	assert.True(t, p.Contains("u1"))
	assert.True(t, p.Contains("u2"))
	assert.False(t, p.Contains("u3"))
}
