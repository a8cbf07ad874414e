package store

const schema = `
-- Registered fleet servers
CREATE TABLE IF NOT EXISTS servers (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    ip_address        TEXT NOT NULL,
    port              INTEGER NOT NULL DEFAULT 22,
    username          TEXT NOT NULL,
    auth_json         TEXT NOT NULL,
    roles_json        TEXT NOT NULL DEFAULT '[]',
    status            TEXT NOT NULL,
    health_score      INTEGER NOT NULL DEFAULT 0,
    last_health_check INTEGER,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    UNIQUE (ip_address, port)
);

-- Deployment tasks (terminal rows are never rewritten)
CREATE TABLE IF NOT EXISTS deployment_tasks (
    id               TEXT PRIMARY KEY,
    task_type        TEXT NOT NULL,
    service_type     TEXT,
    source_server_id TEXT,
    target_server_id TEXT,
    status           TEXT NOT NULL,
    priority         TEXT NOT NULL DEFAULT 'normal',
    progress         INTEGER NOT NULL DEFAULT 0,
    current_step     TEXT,
    config_json      TEXT NOT NULL DEFAULT '{}',
    error_message    TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

-- Append-only step log per task
CREATE TABLE IF NOT EXISTS task_logs (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    ts      INTEGER NOT NULL,
    line    TEXT NOT NULL
);

-- Alerts (resolved rows retained for audit)
CREATE TABLE IF NOT EXISTS alerts (
    id               TEXT PRIMARY KEY,
    severity         TEXT NOT NULL,
    title            TEXT NOT NULL,
    message          TEXT NOT NULL,
    server_id        TEXT,
    domain_id        TEXT,
    metric_name      TEXT,
    metric_value     REAL,
    status           TEXT NOT NULL,
    first_occurrence INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    resolution_notes TEXT
);

-- Domain mappings (CRUD-only)
CREATE TABLE IF NOT EXISTS domain_mappings (
    id               TEXT PRIMARY KEY,
    custom_domain    TEXT NOT NULL UNIQUE,
    target_subdomain TEXT NOT NULL,
    ssl_enabled      INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

-- At most one active alert per (server, metric) pair
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_key
    ON alerts(server_id, metric_name) WHERE status = 'active';

-- Secondary indexes
CREATE INDEX IF NOT EXISTS idx_tasks_target ON deployment_tasks(target_server_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON deployment_tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, updated_at);
`
