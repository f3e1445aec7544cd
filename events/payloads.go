package events

import "time"

// Payload constructors for the event shapes in the external contract.
// Timestamps ride in the payload as Unix milliseconds from the origin
// node's clock; events for one task are ordered by that clock only.

func TaskCreatedPayload(taskID, kind, userID string) map[string]interface{} {
	p := map[string]interface{}{
		"taskId": taskID,
		"kind":   kind,
		"ts":     time.Now().UnixMilli(),
	}
	if userID != "" {
		p["userId"] = userID
	}
	return p
}

func TaskStartedPayload(taskID string) map[string]interface{} {
	return map[string]interface{}{
		"taskId": taskID,
		"ts":     time.Now().UnixMilli(),
	}
}

func TaskCompletedPayload(taskID, resultID, adapter string, success bool) map[string]interface{} {
	return map[string]interface{}{
		"taskId":   taskID,
		"resultId": resultID,
		"adapter":  adapter,
		"success":  success,
		"ts":       time.Now().UnixMilli(),
	}
}

func TaskFailedPayload(taskID, errMsg string) map[string]interface{} {
	return map[string]interface{}{
		"taskId": taskID,
		"error":  errMsg,
		"ts":     time.Now().UnixMilli(),
	}
}

func TaskSubmittedPayload(taskID, nodeID string) map[string]interface{} {
	return map[string]interface{}{
		"taskId": taskID,
		"nodeId": nodeID,
	}
}

func CollaborationPayload(taskID, mode string, adapters []string) map[string]interface{} {
	return map[string]interface{}{
		"taskId":   taskID,
		"mode":     mode,
		"adapters": adapters,
		"ts":       time.Now().UnixMilli(),
	}
}

func ResultsComparedPayload(taskID string, resultCount int, consensus bool) map[string]interface{} {
	return map[string]interface{}{
		"taskId":      taskID,
		"resultCount": resultCount,
		"consensus":   consensus,
		"ts":          time.Now().UnixMilli(),
	}
}

func NodeFailoverPayload(failedNodeID string) map[string]interface{} {
	return map[string]interface{}{
		"failedNodeId": failedNodeID,
	}
}

func PerformanceInsightsPayload(stats interface{}) map[string]interface{} {
	return map[string]interface{}{
		"stats": stats,
	}
}
