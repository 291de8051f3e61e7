package tenants

import "time"

// webhookColumns flattens a tenant's webhook into the three columns the SQL stores use.
func webhookColumns(t Tenant) (url, trigger, secret string) {
	if t.Webhook == nil {
		return "", "", ""
	}
	return t.Webhook.URL, string(t.Webhook.Trigger), t.Webhook.Secret
}

func tenantFromColumns(id, url, trigger, secret, apiKeyHash string, updatedAt time.Time) Tenant {
	t := Tenant{ID: id, APIKeyHash: apiKeyHash, UpdatedAt: updatedAt.UTC()}
	if url != "" || trigger != "" || secret != "" {
		t.Webhook = &Webhook{URL: url, Trigger: Trigger(trigger), Secret: secret}
	}
	return t
}
