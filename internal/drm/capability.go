package drm

import "fmt"

// Capability is an optional feature a backend may support.
type Capability int

const (
	CapAdvanceReservation Capability = iota + 1
	CapReserveSlots
	CapCallback
	CapBulkJobsMaxParallel
	CapJtEmail
	CapJtStaging
	CapJtDeadline
	CapJtMaxSlots
	CapJtAccountingID
	CapRtStartNow
	CapRtDuration
	CapRtMachineOS
	CapRtMachineArch
)

// NOTE: This slice needs to be kept in sync with the Capability values.
var capabilityNames = []string{
	"",
	"AdvanceReservation",
	"ReserveSlots",
	"Callback",
	"BulkJobsMaxParallel",
	"JtEmail",
	"JtStaging",
	"JtDeadline",
	"JtMaxSlots",
	"JtAccountingID",
	"RtStartNow",
	"RtDuration",
	"RtMachineOS",
	"RtMachineArch",
}

func (c Capability) String() string {
	if int(c) <= 0 || int(c) >= len(capabilityNames) {
		return fmt.Sprintf("Capability(%d)", int(c))
	}

	return capabilityNames[c]
}

// Capabilities returns every defined Capability.
func Capabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityNames)-1)
	for i := 1; i < len(capabilityNames); i++ {
		caps = append(caps, Capability(i))
	}

	return caps
}

// ParseCapability returns the Capability with the given name.
func ParseCapability(name string) (Capability, error) {
	for i := 1; i < len(capabilityNames); i++ {
		if capabilityNames[i] == name {
			return Capability(i), nil
		}
	}

	return 0, fmt.Errorf("unknown capability %q", name)
}

// Supported returns the capabilities b supports.
func Supported(b Backend) []Capability {
	var caps []Capability
	for _, c := range Capabilities() {
		if b.Supports(c) {
			caps = append(caps, c)
		}
	}

	return caps
}
