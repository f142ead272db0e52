package eventdb

import (
	"testing"
	"time"
)

// A nil or dummy connection must absorb every call without panicking,
// because the daemon runs fine with no database available.
func TestNoDatabase(t *testing.T) {
	var nildb *Connection
	if nildb.IsConnected() {
		t.Error("nil Connection claims to be connected")
	}
	nildb.Record(SignalEvent{Device: "sc0710", Reason: "restored"})
	nildb.Disconnect()

	db := DummyConnection()
	if db.IsConnected() {
		t.Error("DummyConnection claims to be connected")
	}
	db.Record(SignalEvent{Time: time.Now(), Device: "sc0710", Reason: "signal lost"})
	db.Disconnect()
}

func TestActivityMessage(t *testing.T) {
	a := NewActivityMessage("abc1234", "0.1.4")
	if a.ID == "" {
		t.Error("activity ID is empty")
	}
	if a.CPUs <= 0 {
		t.Errorf("CPUs = %d, want > 0", a.CPUs)
	}
	b := NewActivityMessage("abc1234", "0.1.4")
	if a.ID == b.ID {
		t.Error("two activity messages share an ID")
	}
}
