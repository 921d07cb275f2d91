package events

// Event type constants
const (
	EventTypeRouteAdded        = "route_added"
	EventTypeRouteRemoved      = "route_removed"
	EventTypeCertIssued        = "cert_issued"
	EventTypeCertIssueFailed   = "cert_issue_failed"
	EventTypeCertRevoked       = "cert_revoked"
	EventTypeCertRevokeFailed  = "cert_revoke_failed"
	EventTypeCertAnomaly       = "cert_anomaly"
	EventTypeProxyReloaded     = "proxy_reloaded"
	EventTypeProxyReloadFailed = "proxy_reload_failed"
	EventTypeProxyStarted      = "proxy_started"
	EventTypeProxyStopped      = "proxy_stopped"
	EventTypeWafLearningOn     = "waf_learning_mode_on"
	EventTypeWafLearningOff    = "waf_learning_mode_off"
	EventTypeWafRulesSaved     = "waf_rules_saved"
)

// New builds an info event. ID and timestamp are assigned on publish.
func New(eventType, subject, message string) Event {
	return Event{
		Type:     eventType,
		Severity: SeverityInfo,
		Subject:  subject,
		Message:  message,
	}
}

// Warning builds a warning event.
func Warning(eventType, subject, message string) Event {
	e := New(eventType, subject, message)
	e.Severity = SeverityWarning
	return e
}

// Critical builds a critical event.
func Critical(eventType, subject, message string) Event {
	e := New(eventType, subject, message)
	e.Severity = SeverityCritical
	return e
}

// With returns a copy of e with an extra data attribute.
func (e Event) With(key, value string) Event {
	data := make(map[string]string, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}
