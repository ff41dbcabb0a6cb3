package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "desk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _, ok, err := d.LoadSnapshot(ctx, "emails", "limit=20")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.SaveSnapshot(ctx, "emails", "limit=20", []byte(`{"total":1}`), at))
	require.NoError(t, d.SaveSnapshot(ctx, "emails", "limit=20", []byte(`{"total":2}`), at.Add(time.Minute)))

	data, fetchedAt, ok, err := d.LoadSnapshot(ctx, "emails", "limit=20")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"total":2}`, string(data))
	assert.True(t, fetchedAt.Equal(at.Add(time.Minute)))
	assert.Equal(t, 1, d.SnapshotCount())

	require.NoError(t, d.SaveSnapshot(ctx, "summary", "", []byte(`{}`), at.Add(-time.Hour)))
	n, err := d.PruneSnapshots(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, d.SnapshotCount())
}

func TestSavedViews(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()

	created, err := d.SaveView(ctx, "urgent", `{"priority":"Urgent"}`)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = d.SaveView(ctx, "urgent", `{"priority":"Urgent","fuzzy":true}`)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = d.SaveView(ctx, "billing", `{"category":"billing"}`)
	require.NoError(t, err)

	v, err := d.LoadView(ctx, "urgent")
	require.NoError(t, err)
	assert.Contains(t, v.Query, "fuzzy")
	assert.NotEmpty(t, v.UpdatedAt)

	views, err := d.ListViews(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "billing", views[0].Name)

	require.NoError(t, d.DeleteView(ctx, "billing"))
	assert.ErrorIs(t, d.DeleteView(ctx, "billing"), ErrViewNotFound)
	_, err = d.LoadView(ctx, "billing")
	assert.ErrorIs(t, err, ErrViewNotFound)
}

func TestJournal(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()

	require.NoError(t, d.RecordAction(ctx, 1, "approve", "success", ""))
	require.NoError(t, d.RecordAction(ctx, 2, "resolve", "skipped", "already resolved"))
	require.NoError(t, d.RecordAction(ctx, 1, "send", "error", "backend returned 500"))

	all, err := d.Journal(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "send", all[0].Action)

	forOne, err := d.Journal(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, forOne, 1)
	assert.Equal(t, "backend returned 500", forOne[0].Detail)
}

func TestGenID(t *testing.T) {
	a, b := GenID(), GenID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
