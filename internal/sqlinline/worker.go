package sqlinline

// QWorkerClaimJob moves the oldest queued job to running and returns it.
const QWorkerClaimJob = `--sql ff4eeeb4-8912-4607-bbeb-0259256dbc38
with next_job as (
    select id
    from edit_jobs
    where status = 'queued'
    order by created_at asc
    for update skip locked
    limit 1
),
updated as (
    update edit_jobs
    set status = 'running', progress = 5, updated_at = now()
    where id in (select id from next_job)
    returning id, session_id, type, status, progress, prompt_json, result_json, error_message, created_at, updated_at
)
select * from updated;
`

const QWorkerUpdateProgress = `--sql 11664a88-35b2-47d6-9bdb-bd2ebe6b4da9
update edit_jobs
set progress = greatest(progress, least($2::int, 99)), updated_at = now()
where id = $1::uuid and status = 'running';
`

const QWorkerMarkSucceeded = `--sql af456dfa-2ecf-408b-86ec-612534d30341
update edit_jobs
set status = 'succeeded', progress = 100, result_json = $2::jsonb, error_message = '', updated_at = now()
where id = $1::uuid and status in ('queued', 'running');
`

const QWorkerMarkFailed = `--sql e9944707-0e77-43b0-b20a-a89caf5609c2
update edit_jobs
set status = 'failed', error_message = $2::text, updated_at = now()
where id = $1::uuid and status in ('queued', 'running');
`
