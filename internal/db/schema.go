package db

// Schema is the DDL for the deskbeads local database.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    family      TEXT NOT NULL,
    params      TEXT NOT NULL,
    data        BLOB NOT NULL,
    fetched_at  TEXT NOT NULL,
    PRIMARY KEY (family, params)
);

CREATE TABLE IF NOT EXISTS saved_views (
    name        TEXT PRIMARY KEY,
    query       TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT
);

CREATE TABLE IF NOT EXISTS journal (
    id          TEXT PRIMARY KEY,
    ticket_id   INTEGER NOT NULL,
    action      TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    detail      TEXT,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_fetched ON snapshots(fetched_at);
CREATE INDEX IF NOT EXISTS idx_journal_ticket ON journal(ticket_id);
CREATE INDEX IF NOT EXISTS idx_journal_created ON journal(created_at DESC);
`
