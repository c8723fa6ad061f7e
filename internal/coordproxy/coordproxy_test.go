package coordproxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleTrackerBasics(t *testing.T) {
	tr := NewIdleTracker()
	assert.False(t, tr.IsIdle("acme", 0)) // never seen

	tr.ConnectionOpened("acme")
	assert.False(t, tr.IsIdle("acme", 0)) // active connection

	tr.ConnectionClosed("acme")
	assert.True(t, tr.IsIdle("acme", 0))
	assert.False(t, tr.IsIdle("acme", time.Hour))
}

func TestIdleTrackerMultipleOpensRequireMatchingCloses(t *testing.T) {
	tr := NewIdleTracker()
	tr.ConnectionOpened("acme")
	tr.ConnectionOpened("acme")
	tr.ConnectionClosed("acme")
	assert.False(t, tr.IsIdle("acme", 0))
	tr.ConnectionClosed("acme")
	assert.True(t, tr.IsIdle("acme", 0))
}

func TestCopyBidirectionalEchoes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	front, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer front.Close()

	go func() {
		conn, err := front.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		upstream, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer upstream.Close()
		copyBidirectional(conn, upstream)
	}()

	client, err := net.Dial("tcp", front.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestWaitReadySucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ok := WaitReady(context.Background(), ln.Addr().String(), time.Second)
	assert.True(t, ok)
}

func TestWaitReadyFailsOnDeadClosedAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	ok := WaitReady(context.Background(), addr, 300*time.Millisecond)
	assert.False(t, ok)
}
