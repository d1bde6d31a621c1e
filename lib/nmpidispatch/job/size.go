// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import "math"

const (
	ChipsPerBoard = 48
	CoresPerChip  = 15
	CoresPerBoard = ChipsPerBoard * CoresPerChip

	// Boards requested when a job doesn't say what it needs.
	DefaultBoards = 3

	// Added before rounding up, so a request that exactly fills
	// some boards gets one more.
	boardSlop = 0.1
)

// ChooseBoards returns the number of boards to request for a job
// that asked for the given number of cores, chips or boards (each
// <= 0 if not specified), and the job's core quota. Boards take
// precedence over chips, and chips over cores.
func ChooseBoards(nCores, nChips, nBoards int) (boards int, coreQuota int64) {
	switch {
	case nBoards > 0:
		boards = nBoards
		coreQuota = int64(nBoards) * CoresPerBoard
	case nChips > 0:
		coreQuota = int64(nChips) * CoresPerChip
		boards = int(math.Ceil(math.Max(float64(nChips)/ChipsPerBoard, 1) + boardSlop))
	case nCores > 0:
		coreQuota = int64(nCores)
		boards = int(math.Ceil(math.Max(float64(nCores)/CoresPerChip/ChipsPerBoard, 1) + boardSlop))
	default:
		boards = DefaultBoards
		coreQuota = DefaultBoards * CoresPerBoard
	}
	if boards < 1 {
		boards = 1
	}
	if coreQuota < 1 {
		coreQuota = 1
	}
	return
}

// ResourceUsage returns the usage in core-seconds billed for running
// for runTimeMs milliseconds with the given core quota.
func ResourceUsage(runTimeMs int64, coreQuota int64) int64 {
	return (runTimeMs / 1000) * coreQuota
}
