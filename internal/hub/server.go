package hub

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/metrics"
)

const maxFrameSize = 4096

// DeviceServer accepts tracker connections. Each connection is read by its
// own goroutine, one CRLF-terminated frame at a time.
type DeviceServer struct {
	hub         *Hub
	idleTimeout time.Duration

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewDeviceServer creates a server. Connections silent for idleTimeout are
// closed.
func NewDeviceServer(h *Hub, idleTimeout time.Duration) *DeviceServer {
	return &DeviceServer{
		hub:         h,
		idleTimeout: idleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (d *DeviceServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// connection and waits for their goroutines.
func (d *DeviceServer) Serve(ctx context.Context, ln net.Listener) error {
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()
	log.WithField("addr", ln.Addr().String()).Info("device server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
		d.mu.Lock()
		for c := range d.conns {
			c.Close()
		}
		d.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				d.wg.Wait()
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		d.track(conn, true)
		d.wg.Add(1)
		go d.serveConn(conn)
	}
}

// Addr returns the listening address once Serve has started.
func (d *DeviceServer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

func (d *DeviceServer) track(c net.Conn, add bool) {
	d.mu.Lock()
	if add {
		d.conns[c] = struct{}{}
	} else {
		delete(d.conns, c)
	}
	n := len(d.conns)
	d.mu.Unlock()
	metrics.DeviceConnections.Set(float64(n))
}

func (d *DeviceServer) serveConn(nc net.Conn) {
	defer d.wg.Done()
	conn := NewConn(nc)
	entry := log.WithField("remote", nc.RemoteAddr().String())
	entry.Debug("device connected")
	defer func() {
		conn.Release()
		nc.Close()
		d.track(nc, false)
		entry.Debug("device disconnected")
	}()

	reader := bufio.NewReaderSize(nc, maxFrameSize)
	for {
		if d.idleTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(d.idleTimeout))
		}
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			entry.Warn("frame too long, closing connection")
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				entry.WithError(err).Debug("read failed")
			}
			return
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		// decode errors are counted and logged by the hub
		_ = d.hub.HandleFrame(conn, frame)
	}
}
