package partner

// State is the lifecycle position of a Client or Server.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Role names which side of a connection a partner plays.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)
