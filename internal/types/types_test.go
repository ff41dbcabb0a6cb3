package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusResponded, true},
		{StatusPending, StatusResolved, true},
		{StatusResponded, StatusResolved, true},
		{StatusResponded, StatusPending, false},
		{StatusResolved, StatusResponded, false},
		{StatusResolved, StatusResolved, false},
		{StatusPending, "archived", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanAdvance(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTicketDraftNullable(t *testing.T) {
	var withNull Ticket
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"auto_response":null,"status":"pending"}`), &withNull))
	assert.False(t, withNull.HasDraft())
	assert.Equal(t, "", withNull.Draft())

	var withDraft Ticket
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"auto_response":"Hello there","status":"pending"}`), &withDraft))
	assert.True(t, withDraft.HasDraft())
	assert.Equal(t, "Hello there", withDraft.Draft())
}
