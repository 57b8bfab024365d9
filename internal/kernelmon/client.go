package kernelmon

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Client manages the kernel route monitor helper as a subprocess and
// speaks the fixed-record protocol over its stdin/stdout (spec §4.6,
// §9's "kernel monitor may be embedded or subprocess" — this speaker
// always runs it as a subprocess, matching the source).
type Client struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu sync.Mutex
}

// NewClient starts helperPath as a subprocess and begins reading its
// stdout for asynchronous ERR frames, which are logged but never block
// the command stream.
func NewClient(helperPath string, logger *zap.Logger) (*Client, error) {
	cmd := exec.Command(helperPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernelmon: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernelmon: stdout pipe: %w", err)
	}
	cmd.Stderr = zap.NewStdLog(logger.Named("kernelmon.helper")).Writer()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("kernelmon: start helper: %w", err)
	}

	c := &Client{
		logger: logger.Named("kernelmon"),
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		cmd, _, errMsg, err := ReadFrame(c.stdout)
		if err != nil {
			c.logger.Info("helper stdout closed", zap.Error(err))
			return
		}
		if cmd == CmdErr {
			c.logger.Warn("kernel monitor reported error", zap.String("message", errMsg))
		}
	}
}

// InstallRoute implements rib.KernelSink.
func (c *Client) InstallRoute(prefix netip.Prefix, nextHop netip.Addr, priority uint32) error {
	rec := Record{
		Cmd:      CmdAddRoute,
		Mask:     uint8(prefix.Bits()),
		Dst:      prefix.Addr(),
		NextHop:  nextHop,
		Priority: priority,
	}
	return c.write(EncodeRecord(rec))
}

// RemoveRoute implements rib.KernelSink.
func (c *Client) RemoveRoute(prefix netip.Prefix) error {
	rec := Record{
		Cmd:  CmdDelRoute,
		Mask: uint8(prefix.Bits()),
		Dst:  prefix.Addr(),
	}
	return c.write(EncodeRecord(rec))
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.stdin.Write(frame)
	return err
}

// Close shuts the helper down by closing its stdin and waiting for exit.
func (c *Client) Close() error {
	_ = c.stdin.Close()
	return c.cmd.Wait()
}
