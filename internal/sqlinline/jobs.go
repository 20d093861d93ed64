package sqlinline

const QEnsureJobSchema = `--sql 5cbe49f8-a62a-44a5-af1a-99800e9cec1b
create table if not exists edit_jobs (
    id            uuid primary key,
    session_id    text not null default '',
    type          text not null,
    status        text not null default 'queued',
    progress      int not null default 0,
    prompt_json   jsonb not null default '{}'::jsonb,
    result_json   jsonb,
    error_message text not null default '',
    created_at    timestamptz not null default now(),
    updated_at    timestamptz not null default now()
);
create index if not exists edit_jobs_status_created_idx on edit_jobs (status, created_at);
create table if not exists integration_tokens (
    id         uuid primary key,
    provider   text not null unique,
    token      text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QInsertJob = `--sql 7ce6fd10-4de0-4975-8992-f732b6bf40ac
insert into edit_jobs (id, session_id, type, status, progress, prompt_json)
values ($1::uuid, $2::text, $3::text, 'queued', 0, $4::jsonb)
returning created_at, updated_at;
`

const QSelectJob = `--sql 13a60370-d27a-4eb4-a1f2-bc1acaa7c922
select id, session_id, type, status, progress, prompt_json, result_json, error_message, created_at, updated_at
from edit_jobs
where id = $1::uuid;
`

const QListSessionJobs = `--sql 919aa71d-5aea-4be5-88a8-a2d0895dc9bf
select id, session_id, type, status, progress, prompt_json, result_json, error_message, created_at, updated_at
from edit_jobs
where session_id = $1::text
order by created_at desc
limit $2::int;
`
