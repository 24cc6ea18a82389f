package controlplane

// StartRequest describes the VM the host agent should boot.
type StartRequest struct {
	VMID      string `json:"vmId"`
	VCPUCount int    `json:"vcpuCount"`
	MemoryMB  int    `json:"memoryMb"`
	Address   string `json:"address,omitempty"`
	KernelRef string `json:"kernelRef,omitempty"`
	Host      string `json:"-"`
}

// StartResult reports where the VM ended up running.
type StartResult struct {
	Host string `json:"host"`
}

// stopRequest is the wire body for stop and cleanup calls.
type stopRequest struct {
	VMID string `json:"vmId"`
}

// response is the agent's envelope; a non-zero code means the operation
// failed and Message carries the human-readable detail.
type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Host string `json:"host"`
	} `json:"data"`
}
