package handlers

import "github.com/oriys/aurora/internal/failover"

// NewDefaultRegistry assembles the closed registry with the four
// illustrative handlers this deployment carries: gen_content (routed
// through chain), webhook_process, maintenance, and fail_always.
func NewDefaultRegistry(chain *failover.Chain) *Registry {
	r := NewRegistry()
	r.Register("gen_content", NewGenContentHandler(chain), ValidateGenContent)
	r.Register("webhook_process", NewWebhookProcessHandler(), ValidateWebhookProcess)
	r.Register("maintenance", NewMaintenanceHandler(), ValidateMaintenance)
	r.Register("fail_always", NewFailAlwaysHandler(), ValidateFailAlways)
	return r
}
