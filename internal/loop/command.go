package loop

import "time"

// CommandType enumerates the mutations observers and operators can request.
type CommandType string

const (
	CommandSpawn       CommandType = "Spawn"
	CommandDestroy     CommandType = "Destroy"
	CommandScale       CommandType = "Scale"
	CommandConnect     CommandType = "Connect"
	CommandDisconnect  CommandType = "Disconnect"
	CommandSubscribe   CommandType = "Subscribe"
	CommandUnsubscribe CommandType = "Unsubscribe"
	CommandQuery       CommandType = "Query"
	CommandRegister    CommandType = "Register"
	CommandReset       CommandType = "Reset"
)

// Command is a unit of work captured for the next tick. Apply runs on the
// loop goroutine, so it may touch the world and the scale engine freely.
type Command struct {
	Type     CommandType
	Source   string
	IssuedAt time.Time
	Apply    func() error

	done chan error
}

func (c Command) finish(err error) {
	if c.done == nil {
		return
	}
	c.done <- err
}
