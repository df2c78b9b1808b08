package pgm

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// UdpTransport is the UDP encapsulation datagram sink and source: unicast
// repair traffic on one port, multicast data on another. Per-packet
// control messages surface the destination address and arrival interface
// the dispatcher needs.
//
// Router alert transmission uses its own socket to preserve the one lock
// per socket discipline; UDP encapsulation cannot set the IP option
// itself, routers on the path see plain UDP.
type UdpTransport struct {
	group netip.AddrPort

	recvConn *net.UDPConn
	sendConn *net.UDPConn
	// distinct socket for router alert packets
	alertConn *net.UDPConn

	recv4 *ipv4.PacketConn
	recv6 *ipv6.PacketConn
	send4 *ipv4.PacketConn
	send6 *ipv6.PacketConn

	mutex  sync.Mutex
	joined []netip.Addr
	// source specific joins as (group, source)
	joinedSources [][2]netip.Addr

	readBuff []byte
}

type UdpTransportSettings struct {
	// interface for multicast membership and egress, nil for the system
	// default
	Interface *net.Interface

	Hops          int
	MulticastLoop bool
	SndBuf        int
	RcvBuf        int
}

func DefaultUdpTransportSettings() *UdpTransportSettings {
	return &UdpTransportSettings{
		Hops: 16,
	}
}

// NewUdpTransport opens the encapsulation sockets, joins the group, and
// applies the multicast options.
func NewUdpTransport(group netip.AddrPort, ucastPort uint16, settings *UdpTransportSettings) (*UdpTransport, error) {
	if !group.Addr().IsMulticast() {
		return nil, configError("group address %s is not multicast", group.Addr())
	}
	if settings == nil {
		settings = DefaultUdpTransportSettings()
	}

	ipv6Group := group.Addr().Is6() && !group.Addr().Is4In6()
	network := "udp4"
	if ipv6Group {
		network = "udp6"
	}

	recvConn, err := net.ListenUDP(network, &net.UDPAddr{Port: int(group.Port())})
	if err != nil {
		return nil, fmt.Errorf("receive socket: %w", err)
	}
	sendConn, err := net.ListenUDP(network, &net.UDPAddr{Port: int(ucastPort)})
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("send socket: %w", err)
	}
	alertConn, err := net.ListenUDP(network, &net.UDPAddr{})
	if err != nil {
		recvConn.Close()
		sendConn.Close()
		return nil, fmt.Errorf("router alert send socket: %w", err)
	}

	transport := &UdpTransport{
		group:     group,
		recvConn:  recvConn,
		sendConn:  sendConn,
		alertConn: alertConn,
		readBuff:  make([]byte, 1<<16),
	}

	if 0 < settings.RcvBuf {
		recvConn.SetReadBuffer(settings.RcvBuf)
	}
	if 0 < settings.SndBuf {
		sendConn.SetWriteBuffer(settings.SndBuf)
		alertConn.SetWriteBuffer(settings.SndBuf)
	}

	if ipv6Group {
		transport.recv6 = ipv6.NewPacketConn(recvConn)
		transport.send6 = ipv6.NewPacketConn(sendConn)
		if err := transport.recv6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			transport.Close()
			return nil, fmt.Errorf("control messages: %w", err)
		}
		transport.send6.SetMulticastHopLimit(settings.Hops)
		transport.send6.SetMulticastLoopback(settings.MulticastLoop)
		if settings.Interface != nil {
			transport.send6.SetMulticastInterface(settings.Interface)
		}
	} else {
		transport.recv4 = ipv4.NewPacketConn(recvConn)
		transport.send4 = ipv4.NewPacketConn(sendConn)
		if err := transport.recv4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			transport.Close()
			return nil, fmt.Errorf("control messages: %w", err)
		}
		transport.send4.SetMulticastTTL(settings.Hops)
		transport.send4.SetMulticastLoopback(settings.MulticastLoop)
		if settings.Interface != nil {
			transport.send4.SetMulticastInterface(settings.Interface)
		}
	}

	if err := transport.JoinGroup(settings.Interface, group.Addr()); err != nil {
		transport.Close()
		return nil, err
	}

	glog.Infof("[udp]listening group=%s ucast=%d\n", group, ucastPort)
	return transport, nil
}

// JoinGroup adds an any-source membership.
func (self *UdpTransport) JoinGroup(ifi *net.Interface, group netip.Addr) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if MaxGroupMemberships <= len(self.joined) {
		return configError("too many group memberships")
	}
	groupAddr := &net.UDPAddr{IP: group.AsSlice()}
	var err error
	if self.recv6 != nil {
		err = self.recv6.JoinGroup(ifi, groupAddr)
	} else {
		err = self.recv4.JoinGroup(ifi, groupAddr)
	}
	if err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	self.joined = append(self.joined, group)
	return nil
}

// LeaveGroup drops a membership. Permitted whenever the matching group is
// present.
func (self *UdpTransport) LeaveGroup(ifi *net.Interface, group netip.Addr) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.joined, group)
	if i < 0 {
		return configError("not a member of %s", group)
	}
	groupAddr := &net.UDPAddr{IP: group.AsSlice()}
	var err error
	if self.recv6 != nil {
		err = self.recv6.LeaveGroup(ifi, groupAddr)
	} else {
		err = self.recv4.LeaveGroup(ifi, groupAddr)
	}
	if err != nil {
		return fmt.Errorf("leave %s: %w", group, err)
	}
	self.joined = slices.Delete(self.joined, i, i+1)
	return nil
}

// JoinSourceGroup adds a source-specific membership.
func (self *UdpTransport) JoinSourceGroup(ifi *net.Interface, group netip.Addr, source netip.Addr) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	groupAddr := &net.UDPAddr{IP: group.AsSlice()}
	sourceAddr := &net.UDPAddr{IP: source.AsSlice()}
	var err error
	if self.recv6 != nil {
		err = self.recv6.JoinSourceSpecificGroup(ifi, groupAddr, sourceAddr)
	} else {
		err = self.recv4.JoinSourceSpecificGroup(ifi, groupAddr, sourceAddr)
	}
	if err != nil {
		return fmt.Errorf("join %s from %s: %w", group, source, err)
	}
	self.joinedSources = append(self.joinedSources, [2]netip.Addr{group, source})
	return nil
}

// LeaveSourceGroup drops a source-specific membership.
func (self *UdpTransport) LeaveSourceGroup(ifi *net.Interface, group netip.Addr, source netip.Addr) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.joinedSources, [2]netip.Addr{group, source})
	if i < 0 {
		return configError("not a member of %s from %s", group, source)
	}
	groupAddr := &net.UDPAddr{IP: group.AsSlice()}
	sourceAddr := &net.UDPAddr{IP: source.AsSlice()}
	var err error
	if self.recv6 != nil {
		err = self.recv6.LeaveSourceSpecificGroup(ifi, groupAddr, sourceAddr)
	} else {
		err = self.recv4.LeaveSourceSpecificGroup(ifi, groupAddr, sourceAddr)
	}
	if err != nil {
		return fmt.Errorf("leave %s from %s: %w", group, source, err)
	}
	self.joinedSources = slices.Delete(self.joinedSources, i, i+1)
	return nil
}

// DatagramSink

func (self *UdpTransport) Send(b []byte, to netip.AddrPort, routerAlert bool) (int, error) {
	conn := self.sendConn
	if routerAlert {
		conn = self.alertConn
	}
	n, err := conn.WriteToUDPAddrPort(b, to)
	if err != nil {
		return n, mapSendError(err)
	}
	return n, nil
}

// DatagramSource

func (self *UdpTransport) Recv() ([]byte, netip.AddrPort, Nla, int, error) {
	if self.recv6 != nil {
		n, cm, src, err := self.recv6.ReadFrom(self.readBuff)
		if err != nil {
			return nil, netip.AddrPort{}, Nla{}, 0, mapRecvError(err)
		}
		b := make([]byte, n)
		copy(b, self.readBuff[:n])
		source, destination, ifIndex := udpAddressing6(src, cm)
		return b, source, destination, ifIndex, nil
	}
	n, cm, src, err := self.recv4.ReadFrom(self.readBuff)
	if err != nil {
		return nil, netip.AddrPort{}, Nla{}, 0, mapRecvError(err)
	}
	b := make([]byte, n)
	copy(b, self.readBuff[:n])
	source, destination, ifIndex := udpAddressing4(src, cm)
	return b, source, destination, ifIndex, nil
}

func (self *UdpTransport) Close() error {
	self.recvConn.Close()
	self.sendConn.Close()
	self.alertConn.Close()
	return nil
}

func udpAddressing4(src net.Addr, cm *ipv4.ControlMessage) (netip.AddrPort, Nla, int) {
	var source netip.AddrPort
	if udpAddr, ok := src.(*net.UDPAddr); ok {
		source = udpAddr.AddrPort()
	}
	var destination Nla
	ifIndex := 0
	if cm != nil {
		if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
			destination = dst
		}
		ifIndex = cm.IfIndex
	}
	return source, destination, ifIndex
}

func udpAddressing6(src net.Addr, cm *ipv6.ControlMessage) (netip.AddrPort, Nla, int) {
	var source netip.AddrPort
	if udpAddr, ok := src.(*net.UDPAddr); ok {
		source = udpAddr.AddrPort()
	}
	var destination Nla
	ifIndex := 0
	if cm != nil {
		if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
			destination = dst
		}
		ifIndex = cm.IfIndex
	}
	return source, destination, ifIndex
}

func mapSendError(err error) error {
	switch {
	case errors.Is(err, syscall.ENETUNREACH):
		return ErrNetDown
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ErrNoRoute
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
		return ErrWouldBlock
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrWouldBlock
	}
	return err
}

func mapRecvError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrWouldBlock
	}
	return err
}
