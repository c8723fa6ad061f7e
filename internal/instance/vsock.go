package instance

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/framing"
)

// guestAgentPort is the vsock port the in-guest agent listens on,
// fixed across the fleet (must match the guest init binary).
const guestAgentPort = 9999

// guestMessageType is the closed set of guest-agent handshake messages.
type guestMessageType string

const (
	guestMsgSleepPrep guestMessageType = "SleepPrep"
	guestMsgAck       guestMessageType = "Ack"
	guestMsgNack      guestMessageType = "Nack"
	guestMsgWake      guestMessageType = "Wake"
)

type guestMessage struct {
	Type    guestMessageType `json:"type"`
	Payload map[string]any   `json:"payload,omitempty"`
}

// dialGuestVsock dials the Firecracker-exposed vsock UDS and performs the
// Firecracker host-side "CONNECT <port>\n" / "OK <port>\n" handshake.
// Firecracker's host side of vsock is itself a Unix socket -- there is no
// real AF_VSOCK endpoint to dial from the host -- so this never touches
// an AF_VSOCK socket API.
func dialGuestVsock(ctx context.Context, vsockPath string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", vsockPath)
	if err != nil {
		return nil, domain.WrapError(domain.KindHypervisorAPI, err, "dial vsock %s", vsockPath)
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestAgentPort); err != nil {
		conn.Close()
		return nil, domain.WrapError(domain.KindHypervisorAPI, err, "vsock connect request")
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, domain.WrapError(domain.KindHypervisorAPI, err, "vsock connect response")
	}
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, domain.NewError(domain.KindHypervisorAPI, "vsock connect refused: %s", strings.TrimSpace(line))
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return conn, nil
}

// sleepPrepHandshake asks the guest agent to quiesce before a delta
// snapshot. Returns true on Ack, false on Nack/timeout/no-agent -- callers
// treat false as "proceed anyway" per the manual-sleep min-runtime
// override decision.
func sleepPrepHandshake(ctx context.Context, vsockPath string, drainTimeout time.Duration) bool {
	conn, err := dialGuestVsock(ctx, vsockPath, 2*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	if err := framing.WriteFrame(conn, guestMessage{Type: guestMsgSleepPrep}); err != nil {
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	var reply guestMessage
	if err := framing.ReadFrame(conn, &reply); err != nil {
		return false
	}
	return reply.Type == guestMsgAck
}

// signalWake best-effort notifies the guest agent it has been resumed
// from a snapshot. Failure is never fatal to wake.
func signalWake(ctx context.Context, vsockPath string) {
	conn, err := dialGuestVsock(ctx, vsockPath, 1*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = framing.WriteFrame(conn, guestMessage{Type: guestMsgWake})
}
