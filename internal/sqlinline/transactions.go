package sqlinline

const transactionColumns = `id::text, donation_id::text, transaction_id, external_id, amount::text, currency,
    status, kind, gateway_response, error_code, error_message, created_at, processed_at`

const QInsertTransaction = `--sql d7913f09-f2da-4361-87a5-512150e2749d
insert into donation_transactions(id, donation_id, transaction_id, external_id, amount, currency,
    status, kind, gateway_response, error_code, error_message, created_at, processed_at)
values ($1::uuid, $2::uuid, $3::text, $4::text, $5::numeric, $6::text,
    $7::text, $8::text, coalesce($9::jsonb, '{}'::jsonb), $10::text, $11::text, $12::timestamptz, $13::timestamptz);
`

const QUpdateTransaction = `--sql a2247ca9-9fef-4687-a14f-750967a47f47
update donation_transactions
set external_id = $2::text,
    status = $3::text,
    gateway_response = coalesce($4::jsonb, '{}'::jsonb),
    error_code = $5::text,
    error_message = $6::text,
    processed_at = $7::timestamptz
where transaction_id = $1::text;
`

const QGetTransaction = "--sql f2429295-5566-4f70-9253-3011052bf33b\nselect " + transactionColumns + `
from donation_transactions
where transaction_id = $1::text;
`

const QLockTransaction = "--sql 491b3c3a-20bb-4499-83e1-f9a0feea6240\nselect " + transactionColumns + `
from donation_transactions
where transaction_id = $1::text
for update;
`

const QListTransactions = "--sql 524b126f-18ea-47ad-90f6-1da57f42c2df\nselect " + transactionColumns + `
from donation_transactions
where donation_id = $1::uuid
order by created_at asc, transaction_id asc;
`
