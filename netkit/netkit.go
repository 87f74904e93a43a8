// Package netkit binds a userspace TCP/IP stack to an Ethernet frame port.
// The guest side runs it over the virtio network driver; tests run a second
// stack over the simulated machine's host port to get end-to-end sockets.
package netkit

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID tcpip.NICID = 1

// Default SLIRP-style addressing.
var (
	DefaultAddr    = net.IPv4(10, 0, 2, 15)
	DefaultGateway = net.IPv4(10, 0, 2, 2)
)

// Port is the stack's way out: it carries one Ethernet frame toward the
// wire. The virtio network driver is a Port; so is any func via PortFunc.
type Port interface {
	Transmit(frame []byte) error
}

// PortFunc adapts a function to the Port interface.
type PortFunc func(frame []byte) error

func (fn PortFunc) Transmit(frame []byte) error {
	return fn(frame)
}

// Config carries the collaborators and addressing for a stack.
type Config struct {

	// Port carries outbound frames. Required.
	Port Port

	// MAC is the link address. Required.
	MAC net.HardwareAddr

	// Addr is the stack's IPv4 address. Defaults to DefaultAddr.
	Addr net.IP

	// PrefixLen is the subnet prefix length. Defaults to 24.
	PrefixLen int

	// Gateway is the default route. Defaults to DefaultGateway.
	Gateway net.IP

	// Log receives stack events. Defaults to the standard logger.
	Log *logrus.Logger
}

// Stack is a userspace TCP/IP stack over an Ethernet frame port. Inbound
// frames are pushed in with InjectInbound; outbound frames are pumped to the
// Port by a background goroutine.
type Stack struct {
	gs   *stack.Stack
	ch   *channel.Endpoint
	port Port
	addr tcpip.Address
	log  *logrus.Entry

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New builds and starts a stack. Close releases it.
func New(cfg Config) (*Stack, error) {
	if cfg.Port == nil {
		return nil, errors.New("netkit: no port")
	}

	if len(cfg.MAC) != 6 {
		return nil, errors.Errorf("netkit: bad MAC %q", cfg.MAC)
	}

	addr, err := addrFrom4(cfg.Addr, DefaultAddr)
	if err != nil {
		return nil, err
	}

	gateway, err := addrFrom4(cfg.Gateway, DefaultGateway)
	if err != nil {
		return nil, err
	}

	prefixLen := cfg.PrefixLen
	if prefixLen == 0 {
		prefixLen = 24
	}

	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	// The channel endpoint MTU is the L2 MTU: the ethernet endpoint
	// subtracts the header to advertise a 1500-byte L3 MTU.
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.MAC)))

	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := gs.CreateNIC(nicID, ethernet.New(ch)); err != nil {
		return nil, errors.Errorf("netkit: create NIC: %s", err)
	}

	if err := gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: prefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, errors.Errorf("netkit: add address: %s", err)
	}

	gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		Gateway:     gateway,
		NIC:         nicID,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	s := &Stack{
		gs:   gs,
		ch:   ch,
		port: cfg.Port,
		addr: addr,
		log:  log.WithField("subsystem", "netkit"),

		cancel: cancel,
		eg:     eg,
	}

	eg.Go(func() error {
		s.pump(ctx)
		return nil
	})

	return s, nil
}

// pump moves outbound frames from the stack to the port until the context
// is canceled.
func (s *Stack) pump(ctx context.Context) {
	for {
		pkt := s.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}

		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		if err := s.port.Transmit(frame); err != nil {
			s.log.WithError(err).Warn("dropped outbound frame")
		}
	}
}

// InjectInbound pushes one Ethernet frame into the stack. The frame is
// copied: callers may reuse the buffer immediately, so it can be wired
// directly as the network driver's input callback.
func (s *Stack) InjectInbound(frame []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})

	// the ethernet endpoint parses the protocol out of the frame itself
	s.ch.InjectInbound(0, pkt)
}

// ListenTCP opens a TCP listener on the stack's address.
func (s *Stack) ListenTCP(port uint16) (net.Listener, error) {
	ln, err := gonet.ListenTCP(s.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: s.addr,
		Port: port,
	}, ipv4.ProtocolNumber)

	if err != nil {
		return nil, errors.Wrap(err, "netkit: listen")
	}

	return ln, nil
}

// DialTCP opens a TCP connection through the stack.
func (s *Stack) DialTCP(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	addr, err := addrFrom4(ip, nil)
	if err != nil {
		return nil, err
	}

	conn, err := gonet.DialContextTCP(ctx, s.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)

	if err != nil {
		return nil, errors.Wrap(err, "netkit: dial")
	}

	return conn, nil
}

// DialUDP opens a UDP socket through the stack, bound to localPort (0 for
// an ephemeral port) and connected to ip:port.
func (s *Stack) DialUDP(localPort uint16, ip net.IP, port uint16) (net.Conn, error) {
	addr, err := addrFrom4(ip, nil)
	if err != nil {
		return nil, err
	}

	conn, err := gonet.DialUDP(s.gs, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: s.addr,
		Port: localPort,
	}, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)

	if err != nil {
		return nil, errors.Wrap(err, "netkit: dial udp")
	}

	return conn, nil
}

// Addr returns the stack's IPv4 address.
func (s *Stack) Addr() net.IP {
	return net.IP(s.addr.AsSlice())
}

// Close stops the outbound pump and releases the stack.
func (s *Stack) Close() error {
	s.cancel()
	s.ch.Close()
	return s.eg.Wait()
}

func addrFrom4(ip net.IP, fallback net.IP) (tcpip.Address, error) {
	if ip == nil {
		ip = fallback
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, errors.Errorf("netkit: not an IPv4 address: %s", ip)
	}

	return tcpip.AddrFromSlice(ip4), nil
}
