package procscan

// Process is a single process holding one or more descriptors on the tracked GPU.
// Records are rebuilt on every scan and must not be mutated by consumers.
type Process struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	FDs  []int  `json:"fds"`
}

// Options bounds the amount of work a single scan may perform.
type Options struct {
	MaxPIDs      int
	MaxFDsPerPID int
}
