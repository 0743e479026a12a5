package v3d

import "github.com/vkngwrapper/core/v2/common"

type SubmitFlags uint32

const (
	// SubmitClearColors clears the tile buffer to the submission's clear
	// color before rendering.
	SubmitClearColors SubmitFlags = 1 << iota
)

var submitFlagsMapping = common.NewFlagStringMapping[SubmitFlags]()

func (f SubmitFlags) String() string {
	return submitFlagsMapping.FlagsToString(f)
}

func init() {
	submitFlagsMapping.Register(SubmitClearColors, "SubmitClearColors")
}
