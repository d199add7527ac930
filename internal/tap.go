//go:build linux && !baremetal

package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

const safamilyHW6 = 1

// Tap is a /dev/net/tun TAP device: a virtual Ethernet interface the
// kernel delivers frames to/from as if a NIC were attached. Used by
// cmd/natgwd for configured interface names prefixed "tap"
// (development, containerized testing).
type Tap struct {
	fd   int
	name string
}

// NewTap creates (or attaches to) a TAP device named name and, if ip is
// valid, assigns it and brings the link up via the `ip` CLI tool — the
// teacher's own shortcut for link configuration rather than wiring
// netlink directly.
func NewTap(name string, ip netip.Prefix) (*Tap, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("name too large")
	}
	fd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0777)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun device: %w", err)
	}
	req, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("creating tap interface: %w", err)
	}
	if ip.IsValid() {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			return nil, fmt.Errorf("failed to set ip link: %w", err)
		}
		if err := exec.Command("ip", "addr", "add", ip.String(), "dev", name).Run(); err != nil {
			return nil, fmt.Errorf("failed to assign IP address: %w", err)
		}
	}
	return &Tap{fd: fd, name: name}, nil
}

func (tap *Tap) IPMask() (netip.Prefix, error) {
	sock, err := tap.getSock()
	if err != nil {
		return netip.Prefix{}, err
	}
	defer unix.Close(sock)
	return getSocketMask(sock, tap.name)
}

func (tap *Tap) Read(b []byte) (int, error) {
	return unix.Read(tap.fd, b)
}

func (tap *Tap) Write(b []byte) (int, error) {
	return unix.Write(tap.fd, b)
}

func (tap *Tap) Close() error {
	return unix.Close(tap.fd)
}

func (tap *Tap) MTU() (int, error) {
	sock, err := tap.getSock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	return getSocketMTU(sock, tap.name)
}

// HardwareAddress6 queries the MAC the kernel network stack assigned
// to the TAP device; tap.fd is the tun char device, not a socket, so a
// throwaway AF_INET socket is opened to ask the stack instead.
func (tap *Tap) HardwareAddress6() (hw [6]byte, err error) {
	sock, err := tap.getSock()
	if err != nil {
		return hw, err
	}
	defer unix.Close(sock)
	return getSocketHW(sock, tap.name)
}

func (tap *Tap) getSock() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_IP)
	if err != nil {
		return 0, fmt.Errorf("tap socket open: %w", err)
	}
	return sock, nil
}

func getSocketMTU(sockfd int, ifaceName string) (int, error) {
	req, err := unix.NewIfreq(ifaceName)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(sockfd, unix.SIOCGIFMTU, req); err != nil {
		return 0, err
	}
	return int(req.Uint32()), nil
}

func getSocketHW(sockfd int, ifaceName string) (hw [6]byte, err error) {
	req, err := unix.NewIfreq(ifaceName)
	if err != nil {
		return hw, err
	}
	if err := unix.IoctlIfreq(sockfd, unix.SIOCGIFHWADDR, req); err != nil {
		return hw, err
	}
	sa, data := req.Uint16(), req.Bytes()
	if sa != safamilyHW6 {
		return hw, fmt.Errorf("expecting sa_family=1 got %d", sa)
	}
	copy(hw[:], data[2:8]) // first two bytes are sa_family
	return hw, nil
}

func getSocketMask(sockfd int, ifaceName string) (netip.Prefix, error) {
	addrp, err := getSocketIP(sockfd, ifaceName)
	if err != nil {
		return netip.Prefix{}, err
	}
	req, err := unix.NewIfreq(ifaceName)
	if err != nil {
		return netip.Prefix{}, err
	}
	if err := unix.IoctlIfreq(sockfd, unix.SIOCGIFNETMASK, req); err != nil {
		return netip.Prefix{}, err
	}
	data := req.Bytes()
	addr32 := binary.BigEndian.Uint32(data[4:8])
	cidr := bits.OnesCount32(addr32)
	return netip.PrefixFrom(addrp.Addr(), cidr), nil
}

func setSocketHW(sockfd int, ifaceName string, hw [6]byte) error {
	req, err := unix.NewIfreq(ifaceName)
	if err != nil {
		return err
	}
	req.SetUint16(safamilyHW6)
	data := req.Bytes()
	copy(data[2:8], hw[:])
	if err := unix.IoctlIfreq(sockfd, unix.SIOCSIFHWADDR, req); err != nil {
		return fmt.Errorf("setting hw addr: %w", err)
	}
	return nil
}

func getSocketIP(sockfd int, ifaceName string) (addrp netip.AddrPort, err error) {
	req, err := unix.NewIfreq(ifaceName)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := unix.IoctlIfreq(sockfd, unix.SIOCGIFADDR, req); err != nil {
		return netip.AddrPort{}, err
	}
	data := req.Bytes()
	safamily := binary.LittleEndian.Uint16(data[0:2])
	port := binary.BigEndian.Uint16(data[2:4])
	switch safamily {
	case unix.AF_INET:
		addr, _ := netip.AddrFromSlice(data[4:8])
		addrp = netip.AddrPortFrom(addr, port)
	default:
		return addrp, fmt.Errorf("unsupported IP addr sa_family=%d", safamily)
	}
	return addrp, nil
}

// Bridge is a raw AF_PACKET socket bound to an existing interface
// (physical NIC, or a TAP device created out of band) — this is what
// cmd/natgwd opens for every configured interface whose name is not
// prefixed "tap", since the
// router's frames are whole Ethernet frames crossing a real link, not
// traffic destined for this host's own IP stack.
type Bridge struct {
	fd    int
	name  string
	index int
}

func NewBridge(name string) (*Bridge, error) {
	ifi, err := interfaceByName(name)
	if err != nil {
		return nil, err
	}
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, err
	}
	ll := unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, &ll); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Bridge{fd: fd, name: ifi.Name, index: ifi.Index}, nil
}

func (br *Bridge) Write(frame []byte) (int, error) {
	return unix.Write(br.fd, frame)
}

func (br *Bridge) Read(frame []byte) (int, error) {
	return unix.Read(br.fd, frame)
}

func (br *Bridge) Close() error {
	return unix.Close(br.fd)
}

func (br *Bridge) HardwareAddress6() (hw [6]byte, err error) {
	return getSocketHW(br.fd, br.name)
}

func (br *Bridge) SetHardwareAddress6(hw [6]byte) error {
	return setSocketHW(br.fd, br.name, hw)
}

func (br *Bridge) IPMask() (netip.Prefix, error) {
	return getSocketMask(br.fd, br.name)
}

func (br *Bridge) Addr() (netip.Addr, error) {
	addrp, err := getSocketIP(br.fd, br.name)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrp.Addr(), nil
}

func (br *Bridge) MTU() (int, error) {
	return getSocketMTU(br.fd, br.name)
}

// htons converts a uint16 from host to network byte order.
func htons(i uint16) uint16 { return (i<<8)&0xff00 | i>>8 }
