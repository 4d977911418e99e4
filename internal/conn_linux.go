package internal

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// conn is the per-socket protocol state the reactor advances on each
// readiness event: non-blocking connect, request flush, then response reads
// until the server closes.
type conn struct {
	fd       int
	download *Download

	connected bool
	flushed   bool

	request  []byte
	writeOff int
}

// buildRequest serializes the minimal fixed-format GET request. A single
// request per connection; the server signals completion by closing.
func buildRequest(host, path string) []byte {
	return []byte("GET " + path + " HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n")
}

// dial resolves the download's host, opens a non-blocking socket and starts
// an asynchronous connect. The in-progress connect completes later, when the
// poller reports the socket writable.
func dial(d *Download) (*conn, error) {
	ips, err := net.LookupIP(d.Host())
	if err != nil {
		return nil, fmt.Errorf("error resolving %s: %v", d.Host(), err)
	}
	family, sa, err := sockaddr(ips, d.Port())
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening socket: %v", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("error connecting to %s:%d: %v", d.Host(), d.Port(), err)
	}
	return &conn{
		fd:       fd,
		download: d,
		request:  buildRequest(d.Host(), d.Path()),
	}, nil
}

// sockaddr picks the first resolved address, preferring IPv4.
func sockaddr(ips []net.IP, port int) (int, unix.Sockaddr, error) {
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			return unix.AF_INET, sa, nil
		}
	}
	for _, ip := range ips {
		if ip16 := ip.To16(); ip16 != nil {
			sa := &unix.SockaddrInet6{Port: port}
			copy(sa.Addr[:], ip16)
			return unix.AF_INET6, sa, nil
		}
	}
	return 0, nil, fmt.Errorf("no usable address among %d resolved IPs", len(ips))
}

// finishConnect completes the handshake once the poller reports the socket
// writable, surfacing any deferred connect error from SO_ERROR.
func (c *conn) finishConnect() error {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("error checking connect result: %v", err)
	}
	if soerr != 0 {
		return fmt.Errorf("error connecting to %s:%d: %v", c.download.Host(), c.download.Port(), unix.Errno(soerr))
	}
	c.connected = true
	return nil
}

// flushRequest writes the request until fully sent. EAGAIN is retried in
// place: the busy-wait is bounded by kernel send-buffer availability and the
// request is tiny.
func (c *conn) flushRequest() error {
	for c.writeOff < len(c.request) {
		n, err := unix.Write(c.fd, c.request[c.writeOff:])
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("error sending request to %s:%d: %v", c.download.Host(), c.download.Port(), err)
		}
		c.writeOff += n
	}
	c.flushed = true
	return nil
}
