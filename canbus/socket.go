// Package canbus provides a thin wrapper around a raw SocketCAN RAW socket,
// the transport the rectifier driver speaks over.
package canbus

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// EFFFlag marks a CAN identifier as using the 29-bit extended format, mirroring
// the kernel's CAN_EFF_FLAG bit in linux/can.h.
const EFFFlag uint32 = 0x80000000

// EFFMask isolates the 29 identifier bits from flag bits.
const EFFMask uint32 = 0x1FFFFFFF

// Frame is the 16-byte struct can_frame layout: 4-byte ID, 1-byte length,
// 3 reserved/pad bytes, then 8 bytes of data.
type Frame struct {
	ID     uint32
	Length uint8
	Data   [8]byte
}

// Socket is a bound, connected CAN_RAW socket on a single interface.
type Socket struct {
	fd int
}

// Open creates, binds and returns a CAN_RAW socket on the named interface
// (e.g. "can0"), mirroring PsuController::setup's socket/ioctl/bind sequence.
func Open(interfaceName string) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to resolve CAN interface %q: %w", interfaceName, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind CAN socket to %q: %w", interfaceName, err)
	}

	return &Socket{fd: fd}, nil
}

// Send writes one frame to the bus. It does not block waiting for an ACK.
func (s *Socket) Send(f Frame) error {
	raw := encodeFrame(f)
	n, err := unix.Write(s.fd, raw)
	if err != nil {
		return fmt.Errorf("failed to write CAN frame: %w", err)
	}
	if n != len(raw) {
		return fmt.Errorf("short CAN frame write: wrote %d of %d bytes", n, len(raw))
	}
	return nil
}

// Receive blocks until one frame is available and decodes it.
func (s *Socket) Receive() (Frame, error) {
	buf := make([]byte, 16)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read CAN frame: %w", err)
	}
	if n != 16 {
		return Frame{}, fmt.Errorf("short CAN frame read: got %d of 16 bytes", n)
	}
	return decodeFrame(buf), nil
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

func encodeFrame(f Frame) []byte {
	buf := make([]byte, 16)
	buf[0] = byte(f.ID)
	buf[1] = byte(f.ID >> 8)
	buf[2] = byte(f.ID >> 16)
	buf[3] = byte(f.ID >> 24)
	buf[4] = f.Length
	copy(buf[8:16], f.Data[:])
	return buf
}

func decodeFrame(buf []byte) Frame {
	id := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	var f Frame
	f.ID = id
	f.Length = buf[4]
	copy(f.Data[:], buf[8:16])
	return f
}
