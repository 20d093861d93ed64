package sqlinline

// QJobStatusSummary counts edit jobs per lifecycle state, plus the ones
// touched during the last 24 hours.
const QJobStatusSummary = `--sql 0f0557a2-1731-4fc6-8cbe-8540b1d2b6df
select
  count(*) filter (where status = 'queued')    as queued,
  count(*) filter (where status = 'running')   as running,
  count(*) filter (where status = 'succeeded') as succeeded,
  count(*) filter (where status = 'failed')    as failed,
  count(*) filter (where updated_at > now() - interval '24 hours') as last24
from edit_jobs;
`
