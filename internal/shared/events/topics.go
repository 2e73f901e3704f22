package events

// Event types understood by the lab services. One type maps to exactly one
// topic; replies travel on their own topic so request consumers and reply
// consumers scale independently.
const (
	TypeConfigSyncRequest     = "configuration.sync.requested"
	TypeConfigSyncResponse    = "configuration.sync.completed"
	TypeConfigAllSyncRequest  = "configuration.all-sync.requested"
	TypeConfigAllSyncResponse = "configuration.all-sync.completed"

	TypeReagentInstallRequest   = "reagent.install.requested"
	TypeReagentInstallResponse  = "reagent.install.completed"
	TypeReagentUninstallRequest = "reagent.uninstall.requested"
	TypeReagentSyncRequest      = "reagent.sync.requested"
	TypeReagentSyncResponse     = "reagent.sync.completed"
	TypeReagentStockChanged     = "reagent.stock-level.changed"

	TypeAnalysisRequest  = "analysis.requested"
	TypeAnalysisResponse = "analysis.completed"

	TypeTestOrderCreated          = "test-order.created"
	TypeTestOrderResultsCompleted = "test-order.results-completed"
	TypeMonitoringEvent           = "monitoring.recorded"
)

var topicByType = map[string]string{
	TypeConfigSyncRequest:     "configuration-sync-request",
	TypeConfigSyncResponse:    "configuration-sync-response",
	TypeConfigAllSyncRequest:  "configuration-all-sync-request",
	TypeConfigAllSyncResponse: "configuration-all-sync-response",

	TypeReagentInstallRequest:   "reagent-install-request",
	TypeReagentInstallResponse:  "reagent-install-response",
	TypeReagentUninstallRequest: "reagent-uninstall-request",
	TypeReagentSyncRequest:      "reagent-sync-request",
	TypeReagentSyncResponse:     "reagent-sync-response",
	TypeReagentStockChanged:     "reagent-stock-level",

	TypeAnalysisRequest:  "analysis-request",
	TypeAnalysisResponse: "analysis-response",

	TypeTestOrderCreated:          "test-order-created",
	TypeTestOrderResultsCompleted: "test-order-results-completed",
	TypeMonitoringEvent:           "monitoring-events",
}

// TopicFor resolves the bus topic for an event type.
func TopicFor(eventType string) (string, bool) {
	t, ok := topicByType[eventType]
	return t, ok
}
