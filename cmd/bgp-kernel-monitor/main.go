// Command bgp-kernel-monitor is the netlink FIB-sync helper: it reads
// route add/delete commands from stdin in the fixed record format defined
// by internal/kernelmon, applies them to the kernel's IPv4 routing table
// over an AF_NETLINK/NETLINK_ROUTE socket, and reports failures to send a
// request back to the parent as ERR frames on stdout. The kernel's netlink
// acknowledgement is not read, so a request the kernel rejects produces no
// ERR frame.
package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/route-beacon/bgpd/internal/kernelmon"
)

const (
	rtTableMain = unix.RT_TABLE_MAIN
	rtProtoBoot = unix.RTPROT_BOOT
	rtScopeLink = unix.RT_SCOPE_UNIVERSE
)

func main() {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		log.Fatalf("bgp-kernel-monitor: socket: %v", err)
	}
	defer unix.Close(sock)

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(sock, addr); err != nil {
		log.Fatalf("bgp-kernel-monitor: bind: %v", err)
	}

	out := bufio.NewWriter(os.Stdout)
	stdin := bufio.NewReader(os.Stdin)

	for {
		cmd, rec, _, err := kernelmon.ReadFrame(stdin)
		if err != nil {
			return
		}
		switch cmd {
		case kernelmon.CmdAddRoute:
			if err := addRoute(sock, rec); err != nil {
				writeErr(out, fmt.Sprintf("add route failed: %v", err))
				continue
			}
		case kernelmon.CmdDelRoute:
			if err := delRoute(sock, rec); err != nil {
				writeErr(out, fmt.Sprintf("delete route failed: %v", err))
				continue
			}
		}
	}
}

func writeErr(w *bufio.Writer, msg string) {
	_, _ = w.Write(kernelmon.EncodeErrFrame(kernelmon.ErrFrame{Message: msg}))
	_ = w.Flush()
}

// rtAttr is the minimal RTA_* attribute encoder for RTA_DST, RTA_GATEWAY,
// and RTA_PRIORITY, the only attributes this protocol's Record needs.
func rtAttr(attrType uint16, value []byte) []byte {
	l := 4 + len(value)
	padded := (l + 3) &^ 3
	buf := make([]byte, padded)
	nlLen := uint16(l)
	*(*uint16)(unsafe.Pointer(&buf[0])) = nlLen
	*(*uint16)(unsafe.Pointer(&buf[2])) = attrType
	copy(buf[4:], value)
	return buf
}

func addRoute(sock int, rec kernelmon.Record) error {
	return sendRouteMsg(sock, unix.RTM_NEWROUTE, unix.NLM_F_CREATE|unix.NLM_F_REPLACE|unix.NLM_F_ACK, rec, true)
}

func delRoute(sock int, rec kernelmon.Record) error {
	return sendRouteMsg(sock, unix.RTM_DELROUTE, unix.NLM_F_ACK, rec, false)
}

func sendRouteMsg(sock int, msgType uint16, flags uint16, rec kernelmon.Record, withGateway bool) error {
	rtm := unix.RtMsg{
		Family:   unix.AF_INET,
		Dst_len:  rec.Mask,
		Src_len:  0,
		Tos:      0,
		Table:    uint8(rtTableMain),
		Protocol: uint8(rtProtoBoot),
		Scope:    uint8(unix.RT_SCOPE_UNIVERSE),
		Type:     unix.RTN_UNICAST,
	}

	body := make([]byte, unsafe.Sizeof(rtm))
	*(*unix.RtMsg)(unsafe.Pointer(&body[0])) = rtm

	dst := rec.Dst.As4()
	body = append(body, rtAttr(unix.RTA_DST, dst[:])...)
	if withGateway {
		gw := rec.NextHop.As4()
		body = append(body, rtAttr(unix.RTA_GATEWAY, gw[:])...)
		prio := make([]byte, 4)
		binary.NativeEndian.PutUint32(prio, rec.Priority)
		body = append(body, rtAttr(unix.RTA_PRIORITY, prio)...)
	}

	hdr := unix.NlMsghdr{
		Len:   uint32(unix.SizeofNlMsghdr + len(body)),
		Type:  msgType,
		Flags: unix.NLM_F_REQUEST | flags,
		Seq:   1,
		Pid:   uint32(os.Getpid()),
	}
	hdrBuf := make([]byte, unix.SizeofNlMsghdr)
	*(*unix.NlMsghdr)(unsafe.Pointer(&hdrBuf[0])) = hdr

	msg := append(hdrBuf, body...)
	return unix.Sendto(sock, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}
