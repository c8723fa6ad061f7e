// Package framing implements the 4-byte big-endian length-prefixed JSON
// wire format shared by Agent RPC, hostd IPC, and the guest vsock
// sleep-prep/wake handshake. Grounded directly on the teacher's
// internal/firecracker/vm.go VsockMessage Send/Receive framing, lifted
// from vsock specifically to every framed transport in this module.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/mvm-project/mvm/internal/domain"
)

// MaxBodyBytes is the hard cap on frame size; oversize frames are
// rejected without being fully read.
const MaxBodyBytes = 1 << 20 // 1 MiB

// WriteFrame marshals v to JSON and writes it as a 4-byte big-endian
// length prefix followed by the body.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "marshal frame")
	}
	if len(data) > MaxBodyBytes {
		return domain.NewError(domain.KindInternal, "frame body %d bytes exceeds max %d", len(data), MaxBodyBytes)
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(data)))
	if _, err := w.Write(hdr); err != nil {
		return domain.WrapError(domain.KindInternal, err, "write frame header")
	}
	if _, err := w.Write(data); err != nil {
		return domain.WrapError(domain.KindInternal, err, "write frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r and unmarshals
// it into v. Rejects any frame whose declared length exceeds
// MaxBodyBytes before reading the body.
func ReadFrame(r io.Reader, v any) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxBodyBytes {
		return domain.NewError(domain.KindInternal, "frame body %d bytes exceeds max %d", n, MaxBodyBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return domain.WrapError(domain.KindInternal, err, "read frame body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.WrapError(domain.KindInternal, err, "unmarshal frame")
	}
	return nil
}
