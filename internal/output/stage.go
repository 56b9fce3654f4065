package output

import "fmt"

// Stage is a step of the emitter state machine. Stages only move forward.
type Stage int

const (
	StageInit Stage = iota
	StageLayout
	StageConstruction
	StageWrite
	StageDone
)

var stageNames = [...]string{
	StageInit:         "init",
	StageLayout:       "layout",
	StageConstruction: "construction",
	StageWrite:        "write",
	StageDone:         "done",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}
