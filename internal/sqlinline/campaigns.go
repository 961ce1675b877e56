package sqlinline

const QGetCampaign = `--sql 8a591ed8-a02c-48c7-bf25-104cd9ddabaf
select id::text, name, raised_amount::text, crm_id, updated_at
from campaigns
where id = $1::uuid;
`

const QAddCampaignRaised = `--sql d473d0c3-864d-4288-98d7-768d1ee1744b
update campaigns
set raised_amount = raised_amount + $2::numeric, updated_at = now()
where id = $1::uuid;
`
