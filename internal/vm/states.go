package vm

import "mikrovm/internal/model"

// AllStatuses enumerates every legal VM status.
var AllStatuses = []model.VMStatus{
	model.VMStatusPending,
	model.VMStatusProvisioning,
	model.VMStatusRunning,
	model.VMStatusStopping,
	model.VMStatusStopped,
	model.VMStatusStarting,
	model.VMStatusRestarting,
	model.VMStatusDeleting,
	model.VMStatusError,
}

// IsValidStatus reports whether s is a member of the status enum.
func IsValidStatus(s model.VMStatus) bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Intent preconditions. A failed precondition is a fast synchronous
// rejection; nothing is scheduled and nothing is mutated.

func canStart(s model.VMStatus) bool {
	return s == model.VMStatusStopped || s == model.VMStatusError
}

func canStop(s model.VMStatus) bool {
	return s == model.VMStatusRunning
}

func canRestart(s model.VMStatus) bool {
	return s == model.VMStatusRunning
}

func canDelete(s model.VMStatus) bool {
	return s != model.VMStatusDeleting
}
