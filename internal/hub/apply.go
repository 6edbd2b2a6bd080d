package hub

// ApplyAction performs the real-world side effect of a HubAction against
// this Hub's live agents and broker connections. It is the browser-channel
// counterpart of Dispatch, which instead mutates a pure HubState for the
// TUI's own tests; ApplyAction is what actually writes to a PTY or spawns a
// worktree.
func (h *Hub) ApplyAction(action HubAction) {
	switch action.Type {
	case ActionSendInput:
		if ag := h.GetSelectedAgent(); ag != nil {
			if err := ag.WriteInput(action.Input); err != nil {
				h.Logger.Warn("failed to write browser input to agent", "error", err)
			}
		}

	case ActionSelectByKey:
		h.selectByKey(action.SessionKey)

	case ActionSelectNext:
		h.SelectNextAgent()

	case ActionSelectPrevious:
		h.SelectPreviousAgent()

	case ActionTogglePTYView:
		if ag := h.GetSelectedAgent(); ag != nil {
			ag.TogglePTYView()
		}

	case ActionScrollUp:
		if ag := h.GetSelectedAgent(); ag != nil {
			ag.ScrollUp(action.Lines)
		}

	case ActionScrollDown:
		if ag := h.GetSelectedAgent(); ag != nil {
			ag.ScrollDown(action.Lines)
		}

	case ActionScrollToTop:
		if ag := h.GetSelectedAgent(); ag != nil {
			ag.ScrollToTop()
		}

	case ActionScrollToBottom:
		if ag := h.GetSelectedAgent(); ag != nil {
			ag.ScrollReset()
		}

	case ActionResize:
		h.SetTerminalDims(action.Rows, action.Cols)
		for _, ag := range h.GetAgentsOrdered() {
			if err := ag.Resize(action.Rows, action.Cols); err != nil {
				h.Logger.Warn("failed to resize agent pty", "error", err)
			}
		}

	case ActionSpawnAgent:
		env := map[string]string{"PROMPT": action.Prompt}
		if err := h.SpawnAgent(action.RepoName, action.IssueNumber, action.BranchName, action.WorktreePath, "bash", env); err != nil {
			h.Logger.Warn("failed to spawn agent from browser action", "error", err)
		}

	case ActionCloseAgent:
		var err error
		if action.DeleteWorktree {
			err = h.CloseAgentAndDeleteWorktree(action.SessionKey)
		} else {
			err = h.CloseAgent(action.SessionKey)
		}
		if err != nil {
			h.Logger.Warn("failed to close agent from browser action", "session_key", action.SessionKey, "error", err)
		}

	case ActionKillSelectedAgent:
		if ag := h.GetSelectedAgent(); ag != nil {
			if err := h.CloseAgent(ag.SessionKey()); err != nil {
				h.Logger.Warn("failed to close selected agent", "error", err)
			}
		}
	}
}

// selectByKey selects the agent with the given session key, matching the
// stable ordering GetAgentsOrdered uses.
func (h *Hub) selectByKey(sessionKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	agents := h.getAgentsSorted()
	for i, ag := range agents {
		if ag.SessionKey() == sessionKey {
			h.SelectedAgent = i
			return
		}
	}
}
