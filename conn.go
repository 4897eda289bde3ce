package zeroconf

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"runtime"
	"slices"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

const mdnsPort = 5353

var (
	// Multicast groups used by mDNS
	mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)
	mdnsGroupIPv6 = net.ParseIP("ff02::fb")

	// mDNS wildcard addresses
	mdnsWildcardAddrIPv4 = &net.UDPAddr{
		IP:   net.ParseIP("224.0.0.0"),
		Port: mdnsPort,
	}
	mdnsWildcardAddrIPv6 = &net.UDPAddr{
		IP:   net.ParseIP("ff02::"),
		Port: mdnsPort,
	}

	// mDNS endpoint addresses
	ipv4Addr = &net.UDPAddr{
		IP:   mdnsGroupIPv4,
		Port: mdnsPort,
	}
	ipv6Addr = &net.UDPAddr{
		IP:   mdnsGroupIPv6,
		Port: mdnsPort,
	}
)

// A received datagram, before any DNS parsing.
type packet struct {
	data []byte
	src  netip.AddrPort

	// The index of the interface the packet came from. Note this cannot be trusted fully:
	//
	// First, there may be some cases (Windows) where the index isn't provided (and thus, 0).
	// In those cases, we reply to all interfaces to be safe.
	//
	// Secondly, experiments (on Linux w. ethernet and wifi) show that packets sent on
	// one interface may be received on two interfaces. Thus, we shouldn't use iface index
	// as a key or for deduplication.
	ifIndex int
}

// transport is the datagram I/O surface the engine talks to. The real
// implementation is dualConn; tests substitute a loopback.
type transport interface {
	RunReader(ch chan<- packet) error
	WriteMulticastAll(data []byte) error
	WriteUnicast(data []byte, ifIndex int, dst netip.AddrPort) error
	Close() error
}

// Shared ipv4 and ipv6 multicast ops.
type conn interface {
	JoinMulticast(net.Interface) error
	ReadMulticast(buf []byte) (n int, src net.Addr, ifIndex int, err error)
	WriteMulticast(buf []byte, iface net.Interface) (n int, err error)
	WriteUnicast(buf []byte, ifIndex int, addr net.Addr) (n int, err error)
	Close() error
}

type conn4 struct {
	*ipv4.PacketConn
}

var _ conn = &conn4{}

func newConn4() (c *conn4, err error) {
	udpConn, err := net.ListenUDP("udp4", mdnsWildcardAddrIPv4)
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(udpConn)
	_ = pc.SetControlMessage(ipv4.FlagInterface, true)
	_ = pc.SetMulticastTTL(255)
	return &conn4{pc}, nil
}

func (c *conn4) JoinMulticast(iface net.Interface) error {
	return c.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupIPv4})
}

func (c *conn4) ReadMulticast(buf []byte) (n int, src net.Addr, ifIndex int, err error) {
	var cm *ipv4.ControlMessage
	n, cm, src, err = c.ReadFrom(buf)
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	return
}

func (c *conn4) WriteMulticast(buf []byte, iface net.Interface) (int, error) {
	// See https://pkg.go.dev/golang.org/x/net/ipv4#pkg-note-BUG
	// On Windows, the ControlMessage for ReadFrom and WriteTo methods of PacketConn is not implemented.
	var wcm ipv4.ControlMessage
	switch runtime.GOOS {
	case "darwin", "ios", "linux":
		wcm.IfIndex = iface.Index
	default:
		if err := c.SetMulticastInterface(&iface); err != nil {
			return 0, err
		}
	}
	return c.WriteTo(buf, &wcm, ipv4Addr)
}

func (c *conn4) WriteUnicast(buf []byte, ifIndex int, addr net.Addr) (int, error) {
	wcm := &ipv4.ControlMessage{IfIndex: ifIndex}
	return c.WriteTo(buf, wcm, addr)
}

type conn6 struct {
	*ipv6.PacketConn
}

var _ conn = &conn6{}

func newConn6() (c *conn6, err error) {
	// TODO: Use `REUSEPORT`, RFC 6762 section 15.1.
	udpConn, err := net.ListenUDP("udp6", mdnsWildcardAddrIPv6)
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(udpConn)
	_ = pc.SetControlMessage(ipv6.FlagInterface, true)
	_ = pc.SetMulticastHopLimit(255)
	return &conn6{pc}, nil
}

func (c *conn6) JoinMulticast(iface net.Interface) error {
	return c.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupIPv6})
}

func (c *conn6) ReadMulticast(buf []byte) (n int, src net.Addr, ifIndex int, err error) {
	var cm *ipv6.ControlMessage
	n, cm, src, err = c.ReadFrom(buf)
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	return
}

func (c *conn6) WriteMulticast(buf []byte, iface net.Interface) (int, error) {
	var wcm ipv6.ControlMessage
	switch runtime.GOOS {
	case "darwin", "ios", "linux":
		wcm.IfIndex = iface.Index
	default:
		if err := c.SetMulticastInterface(&iface); err != nil {
			return 0, err
		}
	}
	return c.WriteTo(buf, &wcm, ipv6Addr)
}

func (c *conn6) WriteUnicast(buf []byte, ifIndex int, addr net.Addr) (int, error) {
	wcm := &ipv6.ControlMessage{IfIndex: ifIndex}
	return c.WriteTo(buf, wcm, addr)
}

func isMulticastInterface(iface net.Interface) bool {
	return (iface.Flags&net.FlagUp) > 0 && (iface.Flags&net.FlagMulticast) > 0
}

type Interface struct {
	net.Interface
	v4, v6 []netip.Addr // If no addr, the iface is ignored while communicating
}

// Heuristically compare whether an interface has changed.
func ifacesEqual(a, b *Interface) bool {
	if a.Index != b.Index || a.Flags != b.Flags || a.Name != b.Name || a.MTU != b.MTU {
		return false
	}
	return slices.Equal(a.v4, b.v4) && slices.Equal(a.v6, b.v6)
}

func (i *Interface) String() string {
	return fmt.Sprintf("%v %v %v", i.Name, i.v4, i.v6)
}

// dualConn encapsulates the IPv4 and IPv6 UDP connections. It hands raw
// datagrams to the engine and never parses them itself.
type dualConn struct {
	c4     *conn4
	c6     *conn6
	ifaces map[int]*Interface // key: iface.Index

	// Used initially and on reload to filter interfaces to use, default = net.Interfaces
	ifacesFn func() ([]net.Interface, error)
}

var _ transport = &dualConn{}

func newDualConn(ifacesFn func() ([]net.Interface, error), network string) (*dualConn, error) {
	if ifacesFn == nil {
		ifacesFn = net.Interfaces
	}
	c := &dualConn{
		ifaces:   make(map[int]*Interface),
		ifacesFn: ifacesFn,
	}

	var err4, err6 error
	switch network {
	case "udp":
		c.c4, err4 = newConn4()
		c.c6, err6 = newConn6()
	case "udp4":
		c.c4, err4 = newConn4()
	case "udp6":
		c.c6, err6 = newConn6()
	default:
		return nil, errors.New("invalid network")
	}
	_, err := c.loadIfaces()
	if err := errors.Join(err4, err6, err); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Load (or reload) ifaces and return whether anything (addresses in particular) have changed.
func (c *dualConn) loadIfaces() (changed bool, err error) {
	ifaces := make(map[int]*Interface)
	netIfaces, err := c.ifacesFn()
	if err != nil {
		return false, err
	}
	for _, netIface := range netIfaces {
		if !isMulticastInterface(netIface) {
			continue
		}
		v4, v6, err := netIfaceAddrs(netIface)
		if err != nil {
			return false, err
		}
		iface := &Interface{Interface: netIface}
		// Join will fail if called multiple times, just attempt for now
		if c.c4 != nil && len(v4) > 0 {
			c.c4.JoinMulticast(netIface)
			iface.v4 = v4
		}
		if c.c6 != nil && len(v6) > 0 {
			c.c6.JoinMulticast(netIface)
			iface.v6 = v6
		}
		if len(iface.v4) > 0 || len(iface.v6) > 0 {
			ifaces[iface.Index] = iface
		}
	}
	changed = !maps.EqualFunc(c.ifaces, ifaces, ifacesEqual)
	c.ifaces = ifaces
	return changed, err
}

func (c *dualConn) conns() (conns []conn) {
	if c.c4 != nil {
		conns = append(conns, c.c4)
	}
	if c.c6 != nil {
		conns = append(conns, c.c6)
	}
	return
}

// RunReader reads datagrams from both connections into ch until they are
// closed, then closes ch.
func (c *dualConn) RunReader(ch chan<- packet) error {
	var g errgroup.Group
	for _, cn := range c.conns() {
		cn := cn
		g.Go(func() error { return recvLoop(cn, ch) })
	}
	err := g.Wait()
	close(ch)
	return err
}

func recvLoop(c conn, ch chan<- packet) error {
	buf := make([]byte, 65536)
	for {
		n, src, ifIndex, err := c.ReadMulticast(buf)
		if err != nil {
			return err
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			slog.Debug("dropping packet with non-UDP source", "src", src)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ch <- packet{data, udpSrc.AddrPort(), ifIndex}
	}
}

func (c *dualConn) WriteUnicast(data []byte, ifIndex int, dst netip.AddrPort) (err error) {
	dstUdp := net.UDPAddrFromAddrPort(dst)
	if c.c4 != nil && dst.Addr().Unmap().Is4() {
		_, err = c.c4.WriteUnicast(data, ifIndex, dstUdp)
	} else if c.c6 != nil && dst.Addr().Is6() {
		_, err = c.c6.WriteUnicast(data, ifIndex, dstUdp)
	} else {
		err = fmt.Errorf("no suitable conn for unicast: ifIndex=%v dst=%v", ifIndex, dst)
	}
	return
}

// Dst addr is only used for ipv4/ipv6 selection. Use nil to write on both.
func (c *dualConn) WriteMulticast(data []byte, ifIndex int, dst *netip.Addr) error {
	iface := c.ifaces[ifIndex]
	if iface == nil {
		return fmt.Errorf("iface with idx %v not found", ifIndex)
	}
	is4, is6 := true, true
	if dst != nil {
		is4, is6 = dst.Unmap().Is4(), dst.Is6()
	}
	var err4, err6 error
	if len(iface.v4) > 0 && is4 {
		_, err4 = c.c4.WriteMulticast(data, iface.Interface)
	}
	if len(iface.v6) > 0 && is6 {
		_, err6 = c.c6.WriteMulticast(data, iface.Interface)
	}
	return errors.Join(err4, err6)
}

// WriteMulticastAll writes the datagram on every active interface.
func (c *dualConn) WriteMulticastAll(data []byte) error {
	var errs []error
	for idx := range c.ifaces {
		errs = append(errs, c.WriteMulticast(data, idx, nil))
	}
	return errors.Join(errs...)
}

func (c *dualConn) Close() error {
	var errs []error
	for _, conn := range c.conns() {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

// Returns mDNS-suitable unicast addresses for a net.Interface
func netIfaceAddrs(iface net.Interface) (v4, v6 []netip.Addr, err error) {
	var v6local []netip.Addr
	ifaceAddrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, address := range ifaceAddrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() {
			v4 = append(v4, ip)
		} else if ip.Is6() {
			if ip.IsGlobalUnicast() {
				v6 = append(v6, ip)
			} else if ip.IsLinkLocalUnicast() {
				v6local = append(v6local, ip)
			}
		}
	}
	// 1 ip of each type is enough
	v4, v6 = max1(v4), append(max1(v6), max1(v6local)...)
	return
}

func max1[T any](slice []T) []T {
	if len(slice) > 1 {
		return slice[:1]
	}
	return slice
}
