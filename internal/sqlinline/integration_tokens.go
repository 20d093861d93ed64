package sqlinline

const QSelectIntegrationToken = `--sql 3898f055-2441-4dbd-87cc-266dd4fe94cf
select token
from integration_tokens
where provider = $1::text
limit 1;
`

const QUpsertIntegrationToken = `--sql c8db5288-12a6-41f3-8d85-367ca59df3c5
insert into integration_tokens (id, provider, token, properties, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, coalesce($4::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`
