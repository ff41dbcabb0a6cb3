package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daviddao/deskbeads/internal/types"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line, verb, arg string
	}{
		{"/billing issue", "/", "billing issue"},
		{"/", "/", ""},
		{"p urgent", "p", "urgent"},
		{"  d  @acme.com ", "d", "@acme.com"},
		{"p -", "p", ""},
		{"e Thanks,   we will refund you.", "e", "Thanks,   we will refund you."},
		{"n", "n", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		verb, arg := parseCommand(tc.line)
		assert.Equal(t, tc.verb, verb, tc.line)
		assert.Equal(t, tc.arg, arg, tc.line)
	}
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, types.PriorityUrgent, canonical("urgent", types.ValidPriorities))
	assert.Equal(t, types.SentimentNegative, canonical("NEGATIVE", types.ValidSentiments))
	assert.Equal(t, "", canonical("", types.ValidPriorities))
	assert.Equal(t, "whenever", canonical("whenever", types.ValidPriorities))
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID("0")
	assert.Error(t, err)
	_, err = parseID("abc")
	assert.Error(t, err)

	ids, err := parseIDs([]string{"1", "2"})
	assert.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}
