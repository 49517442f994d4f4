package control

import (
	"fmt"

	"github.com/looplab/fsm"

	"github.com/CZERTAINLY/Foreman/internal/model"
)

// Operator commands which move a process between attempts.
const (
	CmdStart  = "start"
	CmdResume = "resume"
	CmdRevert = "revert"
)

var transitions = fsm.Events{
	{
		Name: CmdStart,
		Src:  names(model.StatusNotStarted, model.StatusReverted, model.StatusCancelled, model.StatusInterrupted, model.StatusFailed),
		Dst:  model.StatusNotStarted.String(),
	},
	{
		Name: CmdResume,
		Src:  names(model.StatusNotStarted, model.StatusInterrupted, model.StatusCancelled),
		Dst:  model.StatusRunning.String(),
	},
	{
		Name: CmdRevert,
		Src:  names(model.StatusCancelled, model.StatusInterrupted),
		Dst:  model.StatusReverted.String(),
	},
}

func names(statuses ...model.Status) []string {
	ret := make([]string, len(statuses))
	for i, s := range statuses {
		ret[i] = s.String()
	}
	return ret
}

// Allowed reports whether cmd may be issued for a process in status from.
func Allowed(cmd string, from model.Status) bool {
	return fsm.NewFSM(from.String(), transitions, fsm.Callbacks{}).Can(cmd)
}

// sources returns the statuses cmd is allowed from and its target status.
func sources(cmd string) ([]model.Status, model.Status) {
	for _, e := range transitions {
		if e.Name != cmd {
			continue
		}
		from := make([]model.Status, 0, len(e.Src))
		for _, name := range e.Src {
			from = append(from, mustParse(name))
		}
		return from, mustParse(e.Dst)
	}
	panic(fmt.Sprintf("unknown command %q", cmd))
}

func mustParse(name string) model.Status {
	s, err := model.ParseStatus(name)
	if err != nil {
		panic(err)
	}
	return s
}
