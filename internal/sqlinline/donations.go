package sqlinline

// donationColumns is the scan order shared by every donation query.
const donationColumns = `id::text, code, amount::text, currency, kind, status, payment_method,
    is_recurring, recurring_active, subscription_status, anchor_date, next_due_date,
    card_token, recurring_profile_id, parent_order_id, parent_donation_id::text, campaign_id::text,
    donor_name, donor_email, donor_phone, country, language, billing_claimed_until,
    crm_id, crm_synced, crm_sync_error, admin_notes, completed_at, created_at, updated_at`

const QInsertDonation = `--sql 792a4704-66a4-43f7-bee4-042331136687
insert into donations(id, code, amount, currency, kind, status, payment_method,
    is_recurring, recurring_active, subscription_status, anchor_date, next_due_date,
    card_token, recurring_profile_id, parent_order_id, parent_donation_id, campaign_id,
    donor_name, donor_email, donor_phone, country, language, billing_claimed_until,
    crm_id, crm_synced, crm_sync_error, admin_notes, completed_at, created_at, updated_at)
values ($1::uuid, $2::text, $3::numeric, $4::text, $5::text, $6::text, $7::text,
    $8::boolean, $9::boolean, $10::text, $11::timestamptz, $12::timestamptz,
    $13::text, $14::bigint, $15::text, $16::uuid, $17::uuid,
    $18::text, $19::text, $20::text, $21::text, $22::text, $23::timestamptz,
    $24::text, $25::boolean, $26::text, $27::text, $28::timestamptz, $29::timestamptz, $30::timestamptz);
`

const QUpdateDonation = `--sql 9f495772-b22d-4991-8931-915f69116141
update donations
set amount = $2::numeric,
    currency = $3::text,
    kind = $4::text,
    status = $5::text,
    payment_method = $6::text,
    is_recurring = $7::boolean,
    recurring_active = $8::boolean,
    subscription_status = $9::text,
    anchor_date = $10::timestamptz,
    next_due_date = $11::timestamptz,
    card_token = $12::text,
    recurring_profile_id = $13::bigint,
    parent_order_id = $14::text,
    campaign_id = $15::uuid,
    donor_name = $16::text,
    donor_email = $17::text,
    donor_phone = $18::text,
    country = $19::text,
    language = $20::text,
    billing_claimed_until = $21::timestamptz,
    admin_notes = $22::text,
    completed_at = $23::timestamptz,
    updated_at = $24::timestamptz
where id = $1::uuid;
`

const QGetDonation = "--sql 9b4cef49-0c4f-46a9-87ec-4842ddf010bd\nselect " + donationColumns + `
from donations
where id = $1::uuid;
`

const QLockDonation = "--sql cce9c93a-7790-4ba4-b83e-d481f546aad3\nselect " + donationColumns + `
from donations
where id = $1::uuid
for update;
`

const QListDonations = "--sql c565516f-6788-4063-bc14-d029f66ed599\nselect " + donationColumns + `
from donations
where ($1::timestamptz is null or created_at >= $1::timestamptz)
  and ($2::timestamptz is null or created_at < $2::timestamptz)
  and ($3::text = '' or status = $3::text)
  and ($4::text = '' or parent_donation_id::text = $4::text)
order by created_at asc, id asc
limit $5::int;
`

// QClaimDueSubscriptions marks due chain heads as claimed. Rows locked by a
// concurrent sweep are skipped rather than waited on.
const QClaimDueSubscriptions = `--sql 5fb6f3d1-7e41-46b7-a7b9-5998f3ab22f2
with due as (
    select id
    from donations
    where parent_donation_id is null
      and is_recurring
      and recurring_active
      and subscription_status = 'active'
      and status = 'completed'
      and anchor_date is not null
      and next_due_date is not null
      and next_due_date <= $1::timestamptz
      and (billing_claimed_until is null or billing_claimed_until <= $1::timestamptz)
    order by next_due_date asc, id asc
    limit $3::int
    for update skip locked
)
update donations
set billing_claimed_until = $2::timestamptz, updated_at = $1::timestamptz
where id in (select id from due)
returning ` + donationColumns + ";\n"

const QSetBillingClaim = `--sql d8b38f19-c3f3-44ea-9c43-1140b7ec231a
update donations
set billing_claimed_until = $2::timestamptz, updated_at = now()
where id = $1::uuid;
`

const QSetCRMState = `--sql a69bb69a-3548-4f9f-8850-cbcb2fa1cb00
update donations
set crm_id = case when $2::text = '' then crm_id else $2::text end,
    crm_sync_error = $3::text,
    crm_synced = ($3::text = '' and (case when $2::text = '' then crm_id else $2::text end) <> ''),
    updated_at = now()
where id = $1::uuid;
`

const QInsertCardChange = `--sql db2398d9-e657-4826-9cb1-48974cce9646
insert into card_history(id, donation_id, old_token, new_token, reason, ip_address, user_agent, created_at)
values ($1::uuid, $2::uuid, $3::text, $4::text, $5::text, $6::text, $7::text, $8::timestamptz);
`
