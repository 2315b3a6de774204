package core

import "github.com/sarnowski/msfailab/internal/persistence/model"

// ConsoleEvent is the console sub-engine's only input, a simplified mirror
// of console.Update (spec §4.H.1).
type ConsoleEvent struct {
	Status    string // starting|ready|busy|offline
	CommandID string
	Command   string
	Output    string
	Prompt    string
}

// ApplyConsoleEvent folds one ConsoleEvent into ConsoleState, implementing
// the transition table in spec §4.H.1.
func ApplyConsoleEvent(ts *TrackState, ev ConsoleEvent) []Action {
	cs := &ts.Console
	var actions []Action

	switch {
	case ev.Status == "starting" && cs.Status != "starting":
		cs.Blocks = dropTrailingUnpersistedStartup(cs.Blocks)
		cs.Status = "starting"
		cs.Blocks = append(cs.Blocks, &ConsoleBlock{
			Type:      model.ConsoleHistoryTypeStartup,
			Status:    model.ConsoleHistoryStatusRunning,
			StartedAt: now(),
		})

	case ev.Status == "starting" && cs.Status == "starting":
		appendOutput(cs, ev.Output)

	case ev.Status == "ready" && cs.Status == "starting":
		cs.Status = "ready"
		if b := lastOfType(cs.Blocks, model.ConsoleHistoryTypeStartup); b != nil {
			b.Status = model.ConsoleHistoryStatusFinished
			b.Prompt = ev.Prompt
			b.FinishedAt = now()
		}

	case ev.Status == "busy" && cs.Status != "busy":
		cs.Status = "busy"
		cs.CmdID = ev.CommandID
		cs.Blocks = append(cs.Blocks, &ConsoleBlock{
			Type:      model.ConsoleHistoryTypeCommand,
			Status:    model.ConsoleHistoryStatusRunning,
			Command:   ev.Command,
			StartedAt: now(),
		})

	case ev.Status == "busy" && cs.Status == "busy":
		appendOutput(cs, ev.Output)

	case ev.Status == "ready" && cs.Status == "busy":
		for _, b := range cs.Blocks {
			if b.Status == model.ConsoleHistoryStatusRunning && b.Type == model.ConsoleHistoryTypeStartup {
				actions = append(actions, PersistConsoleBlock{Block: b})
			}
		}
		if b := lastOfType(cs.Blocks, model.ConsoleHistoryTypeCommand); b != nil && b.Status == model.ConsoleHistoryStatusRunning {
			b.Status = model.ConsoleHistoryStatusFinished
			b.Prompt = ev.Prompt
			b.FinishedAt = now()
			actions = append(actions, PersistConsoleBlock{Block: b})
		}
		cs.Status = "ready"
		cs.CmdID = ""

	case ev.Status == "offline" || ev.Status == "dying":
		for _, b := range cs.Blocks {
			if b.Status == model.ConsoleHistoryStatusRunning {
				b.Status = model.ConsoleHistoryStatusInterrupted
				b.FinishedAt = now()
			}
		}
		cs.Status = "offline"
		cs.CmdID = ""
	}

	return append(actions, Reconcile{})
}

func appendOutput(cs *ConsoleState, delta string) {
	if delta == "" {
		return
	}
	if len(cs.Blocks) == 0 {
		return
	}
	cs.Blocks[len(cs.Blocks)-1].Output += delta
}

func lastOfType(blocks []*ConsoleBlock, t model.ConsoleHistoryBlockType) *ConsoleBlock {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Type == t {
			return blocks[i]
		}
	}
	return nil
}

// dropTrailingUnpersistedStartup implements "remove trailing unpersisted
// startup blocks" on re-entering starting (spec §4.H.1, offline -> starting).
func dropTrailingUnpersistedStartup(blocks []*ConsoleBlock) []*ConsoleBlock {
	for len(blocks) > 0 {
		last := blocks[len(blocks)-1]
		if last.Type == model.ConsoleHistoryTypeStartup && last.ID == 0 {
			blocks = blocks[:len(blocks)-1]
			continue
		}
		break
	}
	return blocks
}
