package sqlinline

const taskColumns = `id::text, kind, ref_id, attempt, run_at, status, payload, last_error, created_at, updated_at`

const QInsertTask = `--sql 62e71115-b37c-4894-89f9-f0ccdd858461
insert into scheduled_tasks(id, kind, ref_id, attempt, run_at, status, payload, last_error, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, $4::int, $5::timestamptz, $6::text, $7::jsonb, '', $8::timestamptz, $8::timestamptz);
`

const QClaimDueTasks = `--sql b52fa917-4951-4c3e-adf8-347806135d58
with next_tasks as (
    select id
    from scheduled_tasks
    where status = 'queued'
      and run_at <= $1::timestamptz
    order by run_at asc, id asc
    limit $2::int
    for update skip locked
)
update scheduled_tasks
set status = 'running', updated_at = $1::timestamptz
where id in (select id from next_tasks)
returning ` + taskColumns + ";\n"

const QFinishTask = `--sql 736d57bb-8fc7-4ede-9769-18e47f254f89
update scheduled_tasks
set status = $2::text, last_error = $3::text, updated_at = now()
where id = $1::uuid;
`

const QListTasksByRef = "--sql c7c09f53-de11-430a-9c22-159d9576d1e2\nselect " + taskColumns + `
from scheduled_tasks
where ref_id = $1::text
order by run_at asc, id asc;
`
