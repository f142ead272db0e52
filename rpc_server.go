package sc0710

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
)

// CaptureControl is the RPC sub-server that reports and configures the
// state of one capture device.
type CaptureControl struct {
	dev *Device
}

// ServerStatus is the top-level status that CaptureControl reports to
// clients.
type ServerStatus struct {
	DeviceName     string
	SignalLocked   bool
	CableConnected bool
	FormatName     string
	StreamingVideo int
	StreamingAudio int
}

// Status reports the overall device state.
func (s *CaptureControl) Status(dummy *string, reply *ServerStatus) error {
	sig := s.dev.SignalStateSnapshot()
	*reply = ServerStatus{
		DeviceName:     s.dev.Name,
		SignalLocked:   sig.Locked,
		CableConnected: sig.CableConnected,
		FormatName:     sig.FormatName,
		StreamingVideo: s.dev.VideoChannel().StreamingClients(),
		StreamingAudio: s.dev.AudioChannel().StreamingClients(),
	}
	return nil
}

// SignalState reports the full decoded HDMI link state.
func (s *CaptureControl) SignalState(dummy *string, reply *SignalState) error {
	*reply = s.dev.SignalStateSnapshot()
	return nil
}

// FormatReply describes the last-known-good capture format.
type FormatReply struct {
	Name       string
	Width      uint32
	Height     uint32
	FrameSize  uint32
	FPSx100    uint32
	Interlaced bool
}

// CurrentFormat reports the last-known-good format, or an error if no
// signal was ever resolved.
func (s *CaptureControl) CurrentFormat(dummy *string, reply *FormatReply) error {
	f := s.dev.CurrentFormat()
	if f == nil {
		return fmt.Errorf("no format resolved yet")
	}
	*reply = FormatReply{
		Name:       f.Name,
		Width:      f.Width,
		Height:     f.Height,
		FrameSize:  f.FrameSize,
		FPSx100:    f.FPSx100,
		Interlaced: f.Interlaced,
	}
	return nil
}

// ReadProcamp fetches the current procamp controls from the device.
func (s *CaptureControl) ReadProcamp(dummy *string, reply *Procamp) error {
	p, err := s.dev.ReadProcamp()
	if err != nil {
		return err
	}
	*reply = p
	return nil
}

// SetProcamp writes new procamp controls to the device.
func (s *CaptureControl) SetProcamp(p *Procamp, reply *bool) error {
	if err := s.dev.SetProcamp(*p); err != nil {
		return err
	}
	queueClientUpdate(ClientUpdate{"PROCAMP", *p})
	*reply = true
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *CaptureControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	queueClientUpdate(ClientUpdate{"SENDALL", 0})
	*reply = true
	return nil
}

func (s *CaptureControl) broadcastStatus() {
	var status ServerStatus
	var dummy string
	s.Status(&dummy, &status)
	queueClientUpdate(ClientUpdate{"STATUS", status})
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the given
// device until abort is closed.
func RunRPCServer(dev *Device, portrpc int, abort <-chan struct{}) {
	captureControl := &CaptureControl{dev: dev}
	log.Printf("using config file %s", viper.ConfigFileUsed())

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				captureControl.broadcastStatus()
			}
		}
	}()

	server := rpc.NewServer()
	server.Register(captureControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return
			default:
				log.Fatal("accept error: " + err.Error())
			}
		}
		log.Printf("new connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
