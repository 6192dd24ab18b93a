package store

// Schema is applied on every open. All DDL is idempotent so processes can
// race on startup without coordination.
const Schema = `
CREATE TABLE IF NOT EXISTS tender (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    id_pncp             TEXT NOT NULL UNIQUE,
    source              TEXT,
    source_id           TEXT,
    orgao               TEXT,
    orgao_norm          TEXT,
    municipio           TEXT,
    municipio_norm      TEXT,
    uf                  TEXT,
    uf_norm             TEXT,
    modalidade          TEXT,
    modalidade_norm     TEXT,
    objeto              TEXT,
    objeto_norm         TEXT,
    fingerprint         TEXT,
    canonical_tender_id INTEGER,
    data_publicacao     TEXT,
    status              TEXT,
    status_norm         TEXT,
    urls                TEXT NOT NULL DEFAULT '{}',
    hash_metadados      TEXT,
    materia             TEXT,
    categoria           TEXT,
    materia_confidence  REAL,
    materia_source      TEXT,
    materia_tags        TEXT,
    materia_updated_at  TEXT,
    created_at          TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at          TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_tender_fingerprint ON tender(fingerprint) WHERE fingerprint IS NOT NULL AND fingerprint <> '';
CREATE INDEX IF NOT EXISTS idx_tender_source ON tender(source, source_id);
CREATE INDEX IF NOT EXISTS idx_tender_created ON tender(created_at DESC);

CREATE TABLE IF NOT EXISTS tender_source_payload (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    tender_id  INTEGER NOT NULL REFERENCES tender(id),
    source     TEXT NOT NULL DEFAULT 'unknown',
    source_id  TEXT,
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_tsp_tender ON tender_source_payload(tender_id);

CREATE TABLE IF NOT EXISTS tender_version (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    tender_id      INTEGER NOT NULL REFERENCES tender(id),
    hash_metadados TEXT,
    payload        TEXT NOT NULL DEFAULT '{}',
    created_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_tv_tender ON tender_version(tender_id);

CREATE TABLE IF NOT EXISTS document (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    tender_id      INTEGER NOT NULL REFERENCES tender(id),
    url            TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT 'unknown',
    fetched_at     TEXT,
    http_status    INTEGER,
    content_type   TEXT,
    sha256         TEXT,
    size_bytes     INTEGER NOT NULL DEFAULT 0,
    truncated      INTEGER NOT NULL DEFAULT 0,
    headers        TEXT,
    body           BLOB,
    error          TEXT,
    texto_extraido TEXT,
    texto_chars    INTEGER NOT NULL DEFAULT 0,
    texto_quality  REAL NOT NULL DEFAULT 0,
    ocr_used       INTEGER NOT NULL DEFAULT 0,
    baixado_em     TEXT
);
CREATE INDEX IF NOT EXISTS idx_document_tender ON document(tender_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_document_sha ON document(tender_id, sha256) WHERE sha256 IS NOT NULL AND sha256 <> '';

CREATE TABLE IF NOT EXISTS document_artifact (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL REFERENCES document(id),
    kind        TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    UNIQUE(document_id, kind)
);

CREATE TABLE IF NOT EXISTS document_segment (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL REFERENCES document(id),
    tender_id   INTEGER NOT NULL REFERENCES tender(id),
    idx         INTEGER NOT NULL,
    text        TEXT NOT NULL,
    embedding   TEXT
);
CREATE INDEX IF NOT EXISTS idx_segment_document ON document_segment(document_id);
CREATE INDEX IF NOT EXISTS idx_segment_tender ON document_segment(tender_id);

CREATE VIRTUAL TABLE IF NOT EXISTS document_segment_fts USING fts5(
    text,
    content='document_segment',
    content_rowid='id'
);

CREATE TABLE IF NOT EXISTS app_user (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    telegram_user_id INTEGER NOT NULL UNIQUE,
    username         TEXT,
    first_name       TEXT,
    last_name        TEXT,
    language_code    TEXT,
    created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS user_subscription (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL REFERENCES app_user(id),
    filters    TEXT NOT NULL DEFAULT '{}',
    delivery   TEXT NOT NULL DEFAULT '{"pv": true, "channel": true}',
    frequency  TEXT NOT NULL DEFAULT 'realtime',
    is_active  INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_subscription_user ON user_subscription(user_id);

CREATE TABLE IF NOT EXISTS tender_follow (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL REFERENCES app_user(id),
    tender_id  INTEGER NOT NULL REFERENCES tender(id),
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    UNIQUE(user_id, tender_id)
);

CREATE TABLE IF NOT EXISTS pipeline_event (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    tender_id   INTEGER,
    document_id INTEGER,
    stage       TEXT NOT NULL,
    status      TEXT NOT NULL,
    message     TEXT,
    payload     TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_event_tender ON pipeline_event(tender_id);
CREATE INDEX IF NOT EXISTS idx_event_created ON pipeline_event(created_at DESC);

CREATE TABLE IF NOT EXISTS alert (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL DEFAULT 0,
    type       TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_alert_type ON alert(type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_alert_user ON alert(user_id, type, created_at DESC);
`
