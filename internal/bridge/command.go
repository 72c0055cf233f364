package bridge

// command is one unit of work for the synthesis worker. Speak commands carry
// the cancel-token snapshot taken at enqueue time; if the token has moved on
// by dequeue time the command is superseded and silently dropped.
type command struct {
	text     string
	snapshot uint32
	quit     bool
}

// enqueue never blocks the caller: when the channel is full the oldest
// command is discarded first. A full queue only happens when newer speaks
// have already superseded the old ones, so the drop is invisible.
func (b *Bridge) enqueue(cmd command) {
	for {
		select {
		case b.commands <- cmd:
			return
		default:
			select {
			case <-b.commands:
			default:
			}
		}
	}
}

func (b *Bridge) drainCommands() {
	for {
		select {
		case <-b.commands:
		default:
			return
		}
	}
}
