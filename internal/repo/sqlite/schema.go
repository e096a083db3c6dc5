package sqlite

// Schema mirrors the Postgres layout. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS queries (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL DEFAULT '',
  params             TEXT NOT NULL DEFAULT '{}',
  interval_seconds   INTEGER NOT NULL DEFAULT 0,
  active             INTEGER NOT NULL DEFAULT 1,
  last_scan_at       INTEGER NULL,
  consecutive_errors INTEGER NOT NULL DEFAULT 0,
  last_error         TEXT NOT NULL DEFAULT '',
  force_requested    INTEGER NOT NULL DEFAULT 0,
  force_seq          INTEGER NOT NULL DEFAULT 0,
  target_channel     TEXT NOT NULL DEFAULT '',
  target_destination TEXT NOT NULL DEFAULT '',
  target_thread      TEXT NOT NULL DEFAULT '',
  scan_lease_until   INTEGER NULL,
  created_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queries_due ON queries (active, last_scan_at);

CREATE TABLE IF NOT EXISTS seen_items (
  query_id      TEXT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
  external_id   TEXT NOT NULL,
  first_seen_at INTEGER NOT NULL,
  notified      INTEGER NOT NULL DEFAULT 0,
  notified_at   INTEGER NULL,
  payload       TEXT NOT NULL DEFAULT '{}',
  PRIMARY KEY (query_id, external_id)
);

CREATE TABLE IF NOT EXISTS notifications (
  id                 TEXT PRIMARY KEY,
  seq                INTEGER NOT NULL,
  query_id           TEXT NOT NULL,
  external_id        TEXT NOT NULL,
  target_channel     TEXT NOT NULL,
  target_destination TEXT NOT NULL,
  target_thread      TEXT NOT NULL DEFAULT '',
  payload            TEXT NOT NULL DEFAULT '{}',
  retry_count        INTEGER NOT NULL DEFAULT 0,
  next_attempt_at    INTEGER NOT NULL,
  state              TEXT NOT NULL,
  last_error         TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  sent_at            INTEGER NULL,
  claimed_until      INTEGER NULL,
  UNIQUE (query_id, external_id),
  FOREIGN KEY (query_id, external_id) REFERENCES seen_items(query_id, external_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications (state, next_attempt_at, created_at, seq);

CREATE TABLE IF NOT EXISTS runtime_config (
  version      INTEGER PRIMARY KEY,
  checksum     TEXT NOT NULL,
  settings     TEXT NOT NULL,
  published_at INTEGER NOT NULL
);
`
