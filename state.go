package netfirst

// State of a controller's lifecycle.
//
//	Uninstalled -> Installing -> Installed -> Activating -> Active -> Redundant
//
// A failed install returns to Uninstalled, a failed activation to Installed.
// Requests are routed from Activating on.
type State int32

const (
	Uninstalled State = iota
	Installing
	Installed
	Activating
	Active
	Redundant
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	}
	return "unknown"
}
