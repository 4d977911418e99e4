package internal

import (
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status of a download. Transitions are monotonic: Unconnected -> Connected ->
// Done, with Error reachable from any non-terminal state. Terminal states are
// never left.
type Status int32

const (
	StatusUnconnected Status = iota
	StatusConnected
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnconnected:
		return "Unconnected"
	case StatusConnected:
		return "Connected"
	case StatusDone:
		return "Done"
	case StatusError:
		return "Error"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// growthUnit amortizes buffer reallocations to one or two per typical page.
const growthUnit = 300 * 1024

var (
	ErrNotDone       = errors.New("download not done")
	ErrShortResponse = errors.New("response too short for a status line")
	ErrBadStatusLine = errors.New("malformed HTTP status line")
)

// Listener is notified exactly once, from the reactor goroutine, when a
// download reaches a terminal state. Implementations must not block.
type Listener interface {
	Done(d *Download)
	Error(d *Download, err error)
}

// Download is one in-flight HTTP GET request. Identity fields are immutable;
// the data buffer is written only by the reactor goroutine, while status and
// timestamps may be polled from other goroutines.
type Download struct {
	ID uuid.UUID

	host string
	port int
	path string

	listener Listener

	status atomic.Int32
	start  atomic.Int64 // unix nanos, stamped on Connected
	stop   atomic.Int64 // unix nanos, stamped on Done or Error

	data         []byte
	bytesWritten int
}

// NewDownload creates a download in Unconnected state with the default
// initial buffer capacity.
func NewDownload(host string, port int, path string, l Listener) *Download {
	return NewDownloadSize(host, port, path, l, growthUnit)
}

// NewDownloadSize is like NewDownload but with a caller-chosen initial buffer
// capacity, useful when the expected responses are small.
func NewDownloadSize(host string, port int, path string, l Listener, bufferSize int) *Download {
	if path == "" {
		path = "/"
	}
	return &Download{
		ID:       uuid.New(),
		host:     host,
		port:     port,
		path:     path,
		listener: l,
		data:     make([]byte, 0, bufferSize),
	}
}

// NewDownloadURL creates a download from an absolute http URL. The scheme
// must be plain http; the port defaults to 80; the query string is kept as
// part of the request path.
func NewDownloadURL(rawurl string, l Listener) (*Download, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("error parsing URL %q: %v", rawurl, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q: only plain http is spoken", u.Scheme)
	}
	port := 80
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return nil, fmt.Errorf("error parsing port %q: %v", p, err)
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return NewDownload(u.Hostname(), port, path, l), nil
}

func (d *Download) Host() string { return d.host }

func (d *Download) Port() int { return d.port }

func (d *Download) Path() string { return d.path }

func (d *Download) Listener() Listener { return d.listener }

func (d *Download) Status() Status { return Status(d.status.Load()) }

// setStatus advances the state machine and stamps the relevant timestamp.
// Terminal states are sticky.
func (d *Download) setStatus(s Status) {
	cur := d.Status()
	if cur == StatusDone || cur == StatusError {
		return
	}
	switch s {
	case StatusConnected:
		d.start.Store(time.Now().UnixNano())
	case StatusDone, StatusError:
		d.stop.Store(time.Now().UnixNano())
	}
	d.status.Store(int32(s))
}

// ResponseTime is the elapsed time between the Connected and terminal
// transitions. Only meaningful once the download is terminal; a download that
// failed before connecting reports zero.
func (d *Download) ResponseTime() time.Duration {
	start := d.start.Load()
	if start == 0 {
		return 0
	}
	return time.Duration(d.stop.Load() - start)
}

// DataLen is the number of response bytes accumulated so far.
func (d *Download) DataLen() int { return d.bytesWritten }

// Bytes returns the accumulated response bytes, headers included. The slice
// aliases the internal buffer and must not be retained beyond the listener
// callback for non-terminal downloads.
func (d *Download) Bytes() []byte { return d.data[:d.bytesWritten] }

// append copies p into the download's buffer, growing it when fewer than
// len(p) bytes of spare capacity remain. Growth is at least growthUnit so
// reallocations stay rare.
func (d *Download) append(p []byte) {
	n := len(p)
	if n > cap(d.data)-d.bytesWritten {
		grow := growthUnit
		if n > grow {
			grow = n
		}
		newdata := make([]byte, d.bytesWritten, cap(d.data)+grow)
		copy(newdata, d.data[:d.bytesWritten])
		d.data = newdata
	}
	d.data = append(d.data[:d.bytesWritten], p...)
	d.bytesWritten += n
}

// HTTPStatus extracts the three-digit status code at the fixed offset of a
// canonical "HTTP/1.1 XXX ..." status line. It is only valid once the
// download is Done; short or malformed responses report an error instead of
// returning garbage.
func (d *Download) HTTPStatus() (int, error) {
	if d.Status() != StatusDone {
		return 0, fmt.Errorf("%w: status %s", ErrNotDone, d.Status())
	}
	if d.bytesWritten < 12 {
		return 0, fmt.Errorf("%w: got %d bytes", ErrShortResponse, d.bytesWritten)
	}
	// The code occupies ASCII bytes 9-11 of the response.
	h, t, u := d.data[9], d.data[10], d.data[11]
	if h < '0' || h > '9' || t < '0' || t > '9' || u < '0' || u > '9' {
		return 0, fmt.Errorf("%w: %q", ErrBadStatusLine, d.data[:12])
	}
	return int(h-'0')*100 + int(t-'0')*10 + int(u-'0'), nil
}
