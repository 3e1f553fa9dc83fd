package main

// buildProjection turns the active agent set into the deduplicated
// RemoteAgent list: exactly one entry per task id, a running agent
// outranks an exited one, otherwise the last-seen agent wins.
func buildProjection(ids []string, meta func(agentID string) (string, bool), names TaskNamer, status StatusProvider) []RemoteAgent {
	byTask := make(map[string]RemoteAgent, len(ids))
	order := make([]string, 0, len(ids))

	for _, id := range ids {
		taskID, ok := meta(id)
		if !ok {
			continue
		}
		st := status.AgentStatus(id)
		entry := RemoteAgent{
			AgentID:  id,
			TaskID:   taskID,
			TaskName: names.TaskName(taskID),
			Status:   st.Status,
			ExitCode: st.ExitCode,
			LastLine: st.LastLine,
		}
		prev, seen := byTask[taskID]
		if !seen {
			order = append(order, taskID)
			byTask[taskID] = entry
			continue
		}
		if prev.Status == "running" && entry.Status != "running" {
			continue
		}
		byTask[taskID] = entry
	}

	list := make([]RemoteAgent, 0, len(order))
	for _, taskID := range order {
		list = append(list, byTask[taskID])
	}
	return list
}
