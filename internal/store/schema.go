// Copyright 2026 ShadowPlague21
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

// schemaDDL 全部表与索引；jobs(status, priority, created_at) 服务 ClaimNextQueued 的
// SKIP LOCKED 选取，usage_daily 主键 (user_id, date) 服务 upsert 加法合并
const schemaDDL = `
CREATE TABLE IF NOT EXISTS plans (
    id                BIGINT PRIMARY KEY,
    daily_token_limit BIGINT NOT NULL,
    priority          INT    NOT NULL CHECK (priority BETWEEN 0 AND 3)
);

CREATE TABLE IF NOT EXISTS users (
    id               BIGSERIAL PRIMARY KEY,
    platform         TEXT   NOT NULL,
    platform_user_id TEXT   NOT NULL,
    plan_id          BIGINT NOT NULL REFERENCES plans(id),
    ip_address       TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (platform, platform_user_id)
);

CREATE TABLE IF NOT EXISTS jobs (
    id                     TEXT PRIMARY KEY,
    user_id                BIGINT NOT NULL REFERENCES users(id),
    frontend               TEXT   NOT NULL,
    bot_id                 TEXT,
    capability             TEXT   NOT NULL,
    status                 TEXT   NOT NULL,
    priority               INT    NOT NULL DEFAULT 0,
    params                 JSONB  NOT NULL DEFAULT '{}'::jsonb,
    cost_tokens            NUMERIC(10,2) NOT NULL DEFAULT 0,
    reply_context          JSONB,
    worker_id              TEXT,
    created_at             TIMESTAMPTZ NOT NULL,
    queued_at              TIMESTAMPTZ,
    started_at             TIMESTAMPTZ,
    ended_at               TIMESTAMPTZ,
    execution_time_seconds DOUBLE PRECISION,
    error                  JSONB,
    metadata               JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_priority_created
    ON jobs (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id);

CREATE TABLE IF NOT EXISTS artifacts (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL REFERENCES jobs(id),
    type       TEXT NOT NULL,
    local_path TEXT,
    public_url TEXT,
    format     TEXT,
    metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts (job_id);

CREATE TABLE IF NOT EXISTS usage_daily (
    user_id        BIGINT NOT NULL REFERENCES users(id),
    date           DATE   NOT NULL,
    tokens_used    NUMERIC(12,2) NOT NULL DEFAULT 0,
    jobs_completed BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, date)
);
`

// seedPlans 默认计划；id=1 为免费档，已存在则不动
const seedPlans = `
INSERT INTO plans (id, daily_token_limit, priority) VALUES
    (1, 20, 0),
    (2, 200, 1),
    (3, 1000, 2),
    (4, 5000, 3)
ON CONFLICT (id) DO NOTHING;
`
