package kernelmon

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Command bytes for the kernel FIB-sync wire protocol (spec §4.6). The
// protocol is a fixed 5-field record in each direction: a command byte
// drives a route add/delete, followed by a prefix/next-hop/priority
// triple; an out-of-band ERR frame carries a human-readable diagnostic
// instead.
const (
	CmdAddRoute uint8 = 0
	CmdDelRoute uint8 = 1
	CmdErr      uint8 = 255
)

// Record is one kernel FIB sync command: install or remove prefix via
// nextHop at priority. For CmdDelRoute, NextHop and Priority are zero and
// ignored by the receiver.
type Record struct {
	Cmd      uint8
	Mask     uint8
	Dst      netip.Addr
	NextHop  netip.Addr
	Priority uint32
}

// ErrFrame is the out-of-band diagnostic frame the helper emits when a
// netlink operation fails; it never blocks the command stream.
type ErrFrame struct {
	Message string
}

// EncodeRecord serializes a Record into the wire layout:
// cmd(1) | mask(1) | dst(ceil(mask/8)) | gw(4) | prio(4, BE).
func EncodeRecord(r Record) []byte {
	dstBytes := r.Dst.As4()
	dstLen := (int(r.Mask) + 7) / 8
	buf := make([]byte, 2+dstLen+4+4)
	buf[0] = r.Cmd
	buf[1] = r.Mask
	copy(buf[2:2+dstLen], dstBytes[:dstLen])
	offset := 2 + dstLen
	if r.NextHop.Is4() {
		gw := r.NextHop.As4()
		copy(buf[offset:offset+4], gw[:])
	}
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:offset+4], r.Priority)
	return buf
}

// EncodeErrFrame serializes an ErrFrame: cmd(255) | msglen(1) | msg.
func EncodeErrFrame(e ErrFrame) []byte {
	msg := []byte(e.Message)
	if len(msg) > 255 {
		msg = msg[:255]
	}
	buf := make([]byte, 2+len(msg))
	buf[0] = CmdErr
	buf[1] = byte(len(msg))
	copy(buf[2:], msg)
	return buf
}

// ReadFrame reads exactly one frame (Record or ErrFrame) from r, returning
// whichever was present; the caller distinguishes them via the returned
// cmd byte.
func ReadFrame(r ByteReader) (cmd uint8, rec Record, errMsg string, err error) {
	cmdByte, err := r.ReadByte()
	if err != nil {
		return 0, Record{}, "", err
	}
	if cmdByte == CmdErr {
		lenByte, err := r.ReadByte()
		if err != nil {
			return 0, Record{}, "", err
		}
		msg := make([]byte, lenByte)
		if err := readFull(r, msg); err != nil {
			return 0, Record{}, "", err
		}
		return CmdErr, Record{}, string(msg), nil
	}

	maskByte, err := r.ReadByte()
	if err != nil {
		return 0, Record{}, "", err
	}
	dstLen := (int(maskByte) + 7) / 8
	dstBuf := make([]byte, 4)
	if err := readFull(r, dstBuf[:dstLen]); err != nil {
		return 0, Record{}, "", err
	}
	gwBuf := make([]byte, 4)
	if err := readFull(r, gwBuf); err != nil {
		return 0, Record{}, "", err
	}
	prioBuf := make([]byte, 4)
	if err := readFull(r, prioBuf); err != nil {
		return 0, Record{}, "", err
	}

	rec = Record{
		Cmd:      cmdByte,
		Mask:     maskByte,
		Dst:      netip.AddrFrom4([4]byte(dstBuf)),
		NextHop:  netip.AddrFrom4([4]byte(gwBuf)),
		Priority: binary.BigEndian.Uint32(prioBuf),
	}
	return cmdByte, rec, "", nil
}

// ByteReader is the minimal interface ReadFrame needs; *bufio.Reader
// satisfies it.
type ByteReader interface {
	ReadByte() (byte, error)
	Read(p []byte) (int, error)
}

func readFull(r ByteReader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return fmt.Errorf("kernelmon: short read (%d/%d): %w", n, len(buf), err)
		}
	}
	return nil
}
