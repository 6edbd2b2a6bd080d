package relay

// BrowserEventContext provides context needed for event-to-action conversion.
type BrowserEventContext struct {
	WorktreeBase string
	RepoPath     string
	RepoName     string
}

// ResizeAction represents the result of checking browser resize state.
type ResizeAction int

const (
	ResizeNone ResizeAction = iota
	ResizeAgents
	ResetToLocal
)

// ResizeResult contains resize action details.
type ResizeResult struct {
	Action ResizeAction
	Rows   uint16
	Cols   uint16
}

// BrowserMode represents the browser display mode.
type BrowserMode int

const (
	BrowserModeTUI BrowserMode = iota
	BrowserModeGUI
)

// Resize state tracking (package-level for simplicity)
var (
	lastDims     uint32
	wasConnected bool
)

// CheckBrowserResize checks if browser dimensions have changed and returns resize action.
func CheckBrowserResize(browserDims *BrowserDimsWithMode, localDims [2]uint16) ResizeResult {
	isConnected := browserDims != nil
	prevConnected := wasConnected
	wasConnected = isConnected

	if browserDims != nil {
		rows := browserDims.Rows
		cols := browserDims.Cols
		mode := browserDims.Mode

		if cols >= 20 && rows >= 5 {
			modeBit := uint32(0)
			if mode == BrowserModeGUI {
				modeBit = 1 << 31
			}
			combined := modeBit | (uint32(cols) << 16) | uint32(rows)

			if lastDims != combined {
				lastDims = combined

				var agentCols, agentRows uint16
				if mode == BrowserModeGUI {
					agentCols = cols
					agentRows = rows
				} else {
					// TUI mode - use 70% width
					agentCols = (cols * 70 / 100) - 2
					agentRows = rows - 2
				}

				return ResizeResult{
					Action: ResizeAgents,
					Rows:   agentRows,
					Cols:   agentCols,
				}
			}
		}
		return ResizeResult{Action: ResizeNone}
	}

	if prevConnected {
		// Browser disconnected - reset to local terminal
		lastDims = 0
		localRows := localDims[0]
		localCols := localDims[1]
		termCols := (localCols * 70 / 100) - 2
		termRows := localRows - 2

		return ResizeResult{
			Action: ResetToLocal,
			Rows:   termRows,
			Cols:   termCols,
		}
	}

	return ResizeResult{Action: ResizeNone}
}

// BrowserDimsWithMode contains browser dimensions and display mode.
type BrowserDimsWithMode struct {
	Rows uint16
	Cols uint16
	Mode BrowserMode
}

// BrowserResponse represents what to send back to browser after processing an event.
type BrowserResponse int

const (
	ResponseNone BrowserResponse = iota
	ResponseSendAgentList
	ResponseSendWorktreeList
	ResponseSendAgentSelected
)

// BrowserEventResult contains the result of processing a browser event.
// Action is left untyped here (an any holding a *hub.HubAction) so this
// package does not depend on internal/hub; callers that care about the
// action use hub.ActionFromBrowserEvent directly instead of this field.
type BrowserEventResult struct {
	Action           any
	Resize           *[2]uint16
	InvalidateScreen bool
	Response         BrowserResponse
	AgentID          string // For SendAgentSelected
}
