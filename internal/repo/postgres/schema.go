package postgres

// Schema is applied by Migrate; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS queries (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL DEFAULT '',
  params             JSONB NOT NULL DEFAULT '{}',
  interval_seconds   INTEGER NOT NULL DEFAULT 0,
  active             BOOLEAN NOT NULL DEFAULT TRUE,
  last_scan_at       TIMESTAMPTZ NULL,
  consecutive_errors INTEGER NOT NULL DEFAULT 0,
  last_error         TEXT NOT NULL DEFAULT '',
  force_requested    BOOLEAN NOT NULL DEFAULT FALSE,
  force_seq          BIGINT NOT NULL DEFAULT 0,
  target_channel     TEXT NOT NULL DEFAULT '',
  target_destination TEXT NOT NULL DEFAULT '',
  target_thread      TEXT NOT NULL DEFAULT '',
  scan_lease_until   TIMESTAMPTZ NULL,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE queries ADD COLUMN IF NOT EXISTS force_seq BIGINT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_queries_due ON queries (active, last_scan_at);

CREATE TABLE IF NOT EXISTS seen_items (
  query_id      TEXT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
  external_id   TEXT NOT NULL,
  first_seen_at TIMESTAMPTZ NOT NULL,
  notified      BOOLEAN NOT NULL DEFAULT FALSE,
  notified_at   TIMESTAMPTZ NULL,
  payload       JSONB NOT NULL DEFAULT '{}',
  PRIMARY KEY (query_id, external_id)
);

CREATE TABLE IF NOT EXISTS notifications (
  id                 TEXT PRIMARY KEY,
  query_id           TEXT NOT NULL,
  external_id        TEXT NOT NULL,
  target_channel     TEXT NOT NULL,
  target_destination TEXT NOT NULL,
  target_thread      TEXT NOT NULL DEFAULT '',
  payload            JSONB NOT NULL DEFAULT '{}',
  retry_count        INTEGER NOT NULL DEFAULT 0,
  next_attempt_at    TIMESTAMPTZ NOT NULL,
  state              TEXT NOT NULL,
  last_error         TEXT NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
  sent_at            TIMESTAMPTZ NULL,
  claimed_until      TIMESTAMPTZ NULL,
  UNIQUE (query_id, external_id),
  FOREIGN KEY (query_id, external_id) REFERENCES seen_items(query_id, external_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications (state, next_attempt_at, created_at);

CREATE TABLE IF NOT EXISTS runtime_config (
  version      BIGINT PRIMARY KEY,
  checksum     TEXT NOT NULL,
  settings     JSONB NOT NULL,
  published_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
