//go:build linux

package internal

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanListener forwards terminal notifications onto channels for the test
// goroutine to collect.
type chanListener struct {
	done chan *Download
	errs chan error
}

func newChanListener(capacity int) *chanListener {
	return &chanListener{
		done: make(chan *Download, capacity),
		errs: make(chan error, capacity),
	}
}

func (l *chanListener) Done(d *Download)           { l.done <- d }
func (l *chanListener) Error(d *Download, e error) { l.errs <- e }

// startBackend serves a fixed raw response to every connection and closes it,
// which is the end-of-response signal the engine relies on.
func startBackend(t *testing.T, response []byte) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.Read(buf) // the whole GET fits in one segment
				c.Write(response)
			}(c)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestReactor(t *testing.T) (*Reactor, *Sink) {
	t.Helper()
	sink, err := NewSink(filepath.Join(t.TempDir(), "client.log"))
	require.NoError(t, err)
	r, err := NewReactor(sink)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r, sink
}

func TestReactorDownloadsOneResponse(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\n\r\n" + strings.Repeat("x", 31)) // 50 bytes total
	host, port := startBackend(t, response)

	r, sink := newTestReactor(t)
	l := newChanListener(1)
	require.NoError(t, r.Submit(NewDownload(host, port, "/index.html", l)))

	select {
	case d := <-l.done:
		assert.Equal(t, StatusDone, d.Status())
		assert.Equal(t, len(response), d.DataLen())
		code, err := d.HTTPStatus()
		require.NoError(t, err)
		assert.Equal(t, 200, code)
		assert.Greater(t, d.ResponseTime().Nanoseconds(), int64(0))
	case err := <-l.errs:
		t.Fatalf("download failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal notification")
	}

	assert.Equal(t, int64(1), sink.Events())
	assert.Equal(t, int64(1), r.Connections())
	assert.Equal(t, int64(1), r.Writes())
}

func TestReactorResponseLargerThanScratch(t *testing.T) {
	// Three times the shared read buffer forces multiple readiness cycles.
	body := strings.Repeat("y", 3*scratchSize)
	response := []byte("HTTP/1.1 200 OK\r\n\r\n" + body)
	host, port := startBackend(t, response)

	r, _ := newTestReactor(t)
	l := newChanListener(1)
	require.NoError(t, r.Submit(NewDownload(host, port, "/big", l)))

	select {
	case d := <-l.done:
		require.Equal(t, len(response), d.DataLen())
		assert.Equal(t, response, d.Bytes())
	case err := <-l.errs:
		t.Fatalf("download failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal notification")
	}
}

func TestReactorManyConcurrentProducers(t *testing.T) {
	const producers, perProducer = 4, 8
	const total = producers * perProducer
	host, port := startBackend(t, []byte("HTTP/1.1 200 OK\r\n\r\nok"))

	r, sink := newTestReactor(t)
	l := newChanListener(total)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q := 0; q < perProducer; q++ {
				assert.NoError(t, r.Submit(NewDownload(host, port, "/", l)))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < total; i++ {
		select {
		case <-l.done:
		case err := <-l.errs:
			t.Fatalf("download %d failed: %v", i, err)
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d notifications arrived", i, total)
		}
	}
	assert.Equal(t, int64(total), sink.Events())
	assert.Equal(t, int64(0), sink.Errors())
}

func TestReactorConnectRefused(t *testing.T) {
	// Grab a port that is free, then close the listener so connects are
	// refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	r, sink := newTestReactor(t)
	l := newChanListener(1)
	d := NewDownload("127.0.0.1", port, "/", l)
	require.NoError(t, r.Submit(d))

	select {
	case <-l.errs:
		assert.Equal(t, StatusError, d.Status())
	case <-l.done:
		t.Fatal("refused connect reported as done")
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal notification")
	}
	assert.Equal(t, int64(1), sink.Errors())
}

func TestReactorUnresolvableHost(t *testing.T) {
	r, _ := newTestReactor(t)
	l := newChanListener(1)
	require.NoError(t, r.Submit(NewDownload("no-such-host.invalid", 80, "/", l)))

	select {
	case err := <-l.errs:
		assert.Error(t, err)
	case <-l.done:
		t.Fatal("unresolvable host reported as done")
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal notification")
	}
}

func TestReactorSubmitAfterRelease(t *testing.T) {
	sink, err := NewSink(filepath.Join(t.TempDir(), "client.log"))
	require.NoError(t, err)
	r, err := NewReactor(sink)
	require.NoError(t, err)

	r.Release()
	r.Release() // idempotent

	err = r.Submit(NewDownload("127.0.0.1", 80, "/", nil))
	assert.ErrorIs(t, err, ErrReleased)
}

func TestReactorReleaseNeverDropsAcceptedSubmissions(t *testing.T) {
	// A closed port keeps every accepted download short-lived.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	const producers, perProducer = 4, 8
	for iter := 0; iter < 50; iter++ {
		sink, err := NewSink(filepath.Join(t.TempDir(), "client.log"))
		require.NoError(t, err)
		r, err := NewReactor(sink)
		require.NoError(t, err)

		l := newChanListener(producers * perProducer)
		var accepted atomic.Int64
		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for q := 0; q < perProducer; q++ {
					if r.Submit(NewDownload("127.0.0.1", port, "/", l)) == nil {
						accepted.Add(1)
					}
				}
			}()
		}
		r.Release() // races the submitters on purpose
		wg.Wait()

		// Every accepted submission must surface as exactly one terminal
		// notification, no matter where Release landed.
		want := accepted.Load()
		for got := int64(0); got < want; got++ {
			select {
			case <-l.done:
			case <-l.errs:
			case <-time.After(5 * time.Second):
				t.Fatalf("iteration %d: %d submissions accepted but only %d notifications", iter, want, got)
			}
		}
		select {
		case <-l.done:
			t.Fatalf("iteration %d: more notifications than accepted submissions", iter)
		case <-l.errs:
			t.Fatalf("iteration %d: more notifications than accepted submissions", iter)
		default:
		}
	}
}

func TestReactorReleaseFailsInFlight(t *testing.T) {
	// A backend that accepts but never responds keeps the download in flight
	// until Release tears it down.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	sink, err := NewSink(filepath.Join(t.TempDir(), "client.log"))
	require.NoError(t, err)
	r, err := NewReactor(sink)
	require.NoError(t, err)

	l := newChanListener(1)
	require.NoError(t, r.Submit(NewDownload("127.0.0.1", port, "/", l)))
	time.Sleep(100 * time.Millisecond) // let the connect hand-off happen
	r.Release()

	select {
	case err := <-l.errs:
		assert.ErrorIs(t, err, ErrReleased)
	case <-l.done:
		t.Fatal("stalled download reported as done")
	case <-time.After(5 * time.Second):
		t.Fatal("release did not fail the in-flight download")
	}
}
