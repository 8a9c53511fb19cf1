package chat

import (
	"time"

	mc "github.com/hashicorp/go-metrics"
)

// Listener hears what is said in a room.
type Listener interface {
	Hear(from string, text string)
}

// Chatter is a room participant.
type Chatter interface {
	Listener
	Say(text string, at time.Time, tags ...string)
	Sync(_ []byte, labels []mc.Label)
	Leave()
}

type notAnInterface struct{}

type WithResult interface {
	Count() int
}
