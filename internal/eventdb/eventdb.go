// Package eventdb records capture-card signal transitions in a ClickHouse
// database.
package eventdb

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "sc0710" // official SQL name of the database

// ActivityMessage is one row of the captureactivity table, describing a
// single run of the daemon.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// NewActivityMessage fills an ActivityMessage for the current process.
func NewActivityMessage(githash, version string) *ActivityMessage {
	hostname, _ := os.Hostname()
	return &ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
		End:       time.Now(),
	}
}

// SignalEvent is one row of the signalevents table: a lock, loss, timing
// change, or removal transition on one device.
type SignalEvent struct {
	ID         string
	Time       time.Time
	Device     string
	Reason     string
	Width      uint32
	Height     uint32
	TimingH    uint32
	TimingV    uint32
	FormatName string
}

// Connection is a handle on the event database. A nil or failed Connection
// is safe to use: every method is a no-op.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	eventmsg      chan *SignalEvent
	sync.WaitGroup
}

// IsConnected reports whether the database is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable and prints its
// version.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection opens the database, logs the activity row, and starts
// the message-handling goroutine. On any failure the returned Connection
// is a usable no-op.
func StartConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a never-connected Connection for tests and for
// running without a database.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SC0710_DB_USER"),
		Password: os.Getenv("SC0710_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "sc0710d", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.eventmsg = make(chan *SignalEvent)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO captureactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into captureactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case ev := <-db.eventmsg:
			db.handleEvent(ev)
		}
	}
}

// Disconnect updates the activity row's end time. The connection stays
// open for any stragglers.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// Record stores one signal event in the database (if it's open). The send
// happens on a fresh goroutine so the poll path never blocks on the
// database.
func (db *Connection) Record(ev SignalEvent) {
	if !db.IsConnected() {
		return
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	go func() { db.eventmsg <- &ev }()
}

func (db *Connection) handleEvent(ev *SignalEvent) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedTime := ev.Time.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO signalevents VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ev.ID, db.activityEntry.ID, formattedTime, ev.Device, ev.Reason,
		ev.Width, ev.Height, ev.TimingH, ev.TimingV, ev.FormatName,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into signalevents ", err)
		db.err = err
	}
}
