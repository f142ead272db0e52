package mcu

import (
	"encoding/binary"
	"fmt"
	"os"
)

// EnumerateDevices returns the board numbers that exist in the devfs. If
// /dev/sc0710_bar0_0 and /dev/sc0710_bar1_0 both exist and are device
// files, 0 is added to the list.
func EnumerateDevices() (devices []int, err error) {
	const maxdevices = 8
	for id := 0; id < maxdevices; id++ {
		good := true
		for bar := 0; bar < 2; bar++ {
			fullname := fmt.Sprintf("/dev/sc0710_bar%d_%d", bar, id)
			info, err := os.Stat(fullname)
			if err != nil {
				if os.IsNotExist(err) {
					good = false
					break
				}
				return devices, err
			}
			if (info.Mode() & os.ModeDevice) == 0 {
				good = false
				break
			}
		}
		if good {
			devices = append(devices, id)
		}
	}
	return devices, nil
}

// FileDevice is a Port backed by the two BAR character devices the PCI
// shim driver exposes: BAR 0 carries the bus master and video pipeline
// registers, BAR 1 the per-channel DMA engine registers.
type FileDevice struct {
	FileBAR0   *os.File
	FileBAR1   *os.File
	validFiles bool
}

// OpenFileDevice opens both BAR device files for board devnum. A negative
// devnum omits the board suffix, for compatibility with the single-board
// shim.
func OpenFileDevice(devnum int) (dev *FileDevice, err error) {
	dev = new(FileDevice)

	fname := func(bar int) string {
		if devnum < 0 {
			return fmt.Sprintf("/dev/sc0710_bar%d", bar)
		}
		return fmt.Sprintf("/dev/sc0710_bar%d_%d", bar, devnum)
	}

	if dev.FileBAR0, err = os.OpenFile(fname(0), os.O_RDWR, 0666); err != nil {
		return nil, err
	}
	if dev.FileBAR1, err = os.OpenFile(fname(1), os.O_RDWR, 0666); err != nil {
		dev.Close()
		return nil, err
	}
	dev.validFiles = true
	return dev, nil
}

// Close any open BAR file descriptors.
func (dev *FileDevice) Close() (err error) {
	files := [...]*os.File{dev.FileBAR0, dev.FileBAR1}
	for _, file := range files {
		if file != nil {
			file.Close()
		}
	}
	dev.validFiles = false
	return err
}

func (dev *FileDevice) String() string {
	return fmt.Sprintf("device %s valid status: %v", dev.FileBAR0.Name(), dev.validFiles)
}

func (dev *FileDevice) barFile(bar int) *os.File {
	if bar == 0 {
		return dev.FileBAR0
	}
	return dev.FileBAR1
}

// ReadReg reads a register at the given BAR offset. Register access is
// fire-and-forget at this layer; a short read yields zero, which the bus
// protocol's status codes absorb as "not ready yet".
func (dev *FileDevice) ReadReg(bar int, offset int64) uint32 {
	result := make([]byte, 4)
	n, err := dev.barFile(bar).ReadAt(result, offset)
	if n < 4 || err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(result)
}

// WriteReg writes a register at the given BAR offset.
func (dev *FileDevice) WriteReg(bar int, offset int64, value uint32) {
	bytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(bytes, value)
	dev.barFile(bar).WriteAt(bytes, offset)
}
