package sc0710

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest capture state on a ZMQ PUB socket.

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one tagged state object to be published on the
// status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

var clientMessageChan chan ClientUpdate

func init() {
	clientMessageChan = make(chan ClientUpdate, 10)
}

// queueClientUpdate submits a status update for publication without
// blocking the caller. Updates are dropped if the publisher is saturated.
func queueClientUpdate(update ClientUpdate) {
	select {
	case clientMessageChan <- update:
	default:
	}
}

// RunClientUpdater publishes queued status updates on the given port until
// abort is closed. Each update goes out as a two-frame message: tag, then
// the JSON-encoded state. The most recent message per tag is re-published
// periodically so late subscribers catch up.
func RunClientUpdater(portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status socket: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind %s: %v", hostname, err)
		return
	}

	send := func(tag string, message []byte) {
		if _, err := pubSocket.Send(tag, zmq.SNDMORE); err != nil {
			return
		}
		pubSocket.SendBytes(message, 0)
	}

	lastMessages := make(map[string][]byte)
	republish := time.NewTicker(2 * time.Second)
	defer republish.Stop()

	for {
		select {
		case <-abort:
			return

		case update := <-clientMessageChan:
			message, err := json.Marshal(update.state)
			if err != nil {
				log.Printf("could not marshal %s update: %v", update.tag, err)
				continue
			}
			lastMessages[update.tag] = message
			UpdateLogger.Printf("%s: %s", update.tag, message)
			send(update.tag, message)

		case <-republish.C:
			for tag, message := range lastMessages {
				send(tag, message)
			}
		}
	}
}
