package hub

import (
	"path/filepath"
	"strconv"

	"github.com/forgehub/agenthub/internal/relay"
)

// ActionFromBrowserEvent converts a relay.BrowserEvent into the HubAction it
// should drive, using ctx to fill in the repo/worktree details a bare event
// doesn't carry. Returns nil for events that don't map to a Hub action (list
// and connection-lifecycle events).
func ActionFromBrowserEvent(event *relay.BrowserEvent, ctx *relay.BrowserEventContext) *HubAction {
	switch event.Type {
	case relay.EventInput:
		action := SendInputAction([]byte(event.Data))
		return &action

	case relay.EventSelectAgent:
		action := SelectByKeyAction(event.ID)
		return &action

	case relay.EventCreateAgent:
		issueNumber, branchName := parseBrowserIssueOrBranch(event.IssueOrBranch)
		actualBranch := branchName
		if actualBranch == "" {
			if issueNumber != nil {
				actualBranch = "agenthub-issue-" + strconv.Itoa(*issueNumber)
			} else {
				actualBranch = "new-branch"
			}
		}

		worktreePath := filepath.Join("/tmp", actualBranch)
		if ctx.WorktreeBase != "" {
			worktreePath = filepath.Join(ctx.WorktreeBase, actualBranch)
		}

		prompt := ""
		if event.Prompt != nil {
			prompt = *event.Prompt
		}

		action := SpawnAgentAction(
			issueNumber,
			actualBranch,
			worktreePath,
			ctx.RepoPath,
			ctx.RepoName,
			prompt,
			nil,
			"",
		)
		return &action

	case relay.EventDeleteAgent:
		action := CloseAgentAction(event.ID, event.DeleteWorktree)
		return &action

	case relay.EventTogglePtyView:
		action := TogglePTYViewAction()
		return &action

	case relay.EventScroll:
		var action HubAction
		switch event.Direction {
		case "up":
			action = ScrollUpAction(int(event.Lines))
		case "down":
			action = ScrollDownAction(int(event.Lines))
		default:
			return nil
		}
		return &action

	case relay.EventScrollToBottom:
		action := ScrollToBottomAction()
		return &action

	case relay.EventScrollToTop:
		action := ScrollToTopAction()
		return &action

	case relay.EventResize:
		if event.Resize == nil {
			return nil
		}
		action := ResizeAction(event.Resize.Rows, event.Resize.Cols)
		return &action

	// Events that don't map to Hub actions
	case relay.EventConnected, relay.EventDisconnected, relay.EventListAgents, relay.EventListWorktrees,
		relay.EventReopenWorktree, relay.EventSetMode:
		return nil

	default:
		return nil
	}
}

// parseBrowserIssueOrBranch parses a string into issue number and/or branch name.
func parseBrowserIssueOrBranch(value *string) (*int, string) {
	if value == nil || *value == "" {
		return nil, ""
	}
	if num, err := strconv.Atoi(*value); err == nil {
		return &num, ""
	}
	return nil, *value
}
