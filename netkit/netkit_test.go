package netkit

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmforge/virtguest/sim"
	"github.com/vmforge/virtguest/virtio/vnet"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testNet is a guest stack and a host stack joined through the simulated
// machine: the guest side runs over the virtio network driver, the host side
// over the machine's frame port.
type testNet struct {
	guest *Stack
	host  *Stack
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()

	log := quietLogger()

	var host *Stack

	m, err := sim.NewMachine(sim.MachineConfig{
		Log: log,
		Transmit: func(frame []byte) {
			if host != nil {
				host.InjectInbound(frame)
			}
		},
	})
	require.NoError(t, err)

	var guest *Stack

	dev, err := vnet.New(vnet.Config{
		Bus: m.NetBus,
		Mem: m.Mem,
		Log: log,
		Input: func(frame []byte) {
			if guest != nil {
				guest.InjectInbound(frame)
			}
		},
	})
	require.NoError(t, err)

	guest, err = New(Config{
		Port: dev,
		MAC:  dev.MAC(),
		Log:  log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { guest.Close() })

	host, err = New(Config{
		Port:    PortFunc(m.InjectFrame),
		MAC:     net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02},
		Addr:    DefaultGateway,
		Gateway: DefaultAddr,
		Log:     log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	// the driver has no interrupt path here: poll it
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case <-done:
				return
			default:
				_ = dev.Poll()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	return &testNet{guest: guest, host: host}
}

func TestTCPEcho(t *testing.T) {
	tn := newTestNet(t)

	ln, err := tn.guest.ListenTCP(7777)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := tn.host.DialTCP(ctx, DefaultAddr, 7777)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestHTTP(t *testing.T) {
	tn := newTestNet(t)

	ln, err := tn.guest.ListenTCP(8080)
	require.NoError(t, err)
	defer ln.Close()

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "hello from the guest")
		}),
	}

	go srv.Serve(ln)
	defer srv.Close()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return tn.host.DialTCP(ctx, DefaultAddr, 8080)
			},
		},
	}

	res, err := client.Get("http://10.0.2.15:8080/")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello from the guest", string(body))
}

func TestUDPEcho(t *testing.T) {
	tn := newTestNet(t)

	guestConn, err := tn.guest.DialUDP(9999, DefaultGateway, 9998)
	require.NoError(t, err)
	defer guestConn.Close()

	hostConn, err := tn.host.DialUDP(9998, DefaultAddr, 9999)
	require.NoError(t, err)
	defer hostConn.Close()

	require.NoError(t, hostConn.SetDeadline(time.Now().Add(10*time.Second)))

	// UDP is lossy while ARP resolves: retry the first datagram
	got := make([]byte, 16)
	var n int

	for attempt := 0; attempt < 50; attempt++ {
		_, err = guestConn.Write([]byte("probe"))
		require.NoError(t, err)

		_ = hostConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err = hostConn.Read(got)
		if err == nil {
			break
		}
	}

	require.NoError(t, err)
	assert.Equal(t, "probe", string(got[:n]))
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Port: PortFunc(func([]byte) error { return nil }), MAC: net.HardwareAddr{1}})
	assert.Error(t, err)

	_, err = New(Config{
		Port: PortFunc(func([]byte) error { return nil }),
		MAC:  net.HardwareAddr{2, 0, 0, 0, 0, 1},
		Addr: net.ParseIP("::1"),
	})
	assert.Error(t, err)
}
