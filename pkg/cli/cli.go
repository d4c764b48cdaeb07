// Package cli is the interactive console of tcphost.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/socket"
)

const usage = `Commands:
  a <port>                 listen on port
  c <host> <port>          connect
  ls                       list sockets
  s <id> <text>            send text
  r <id> <n>               read up to n bytes
  cl <id>                  close gracefully (stops a listener)
  x <id>                   destroy
  to <id> <ms>             set inactivity timeout, 0 disables
  sf <file> <host> <port>  send a file
  rf <file> <port>         receive one file on port
  help                     show this text
`

// CLI runs console commands against a Network. Output from background
// transfers and socket callbacks is interleaved line by line.
type CLI struct {
	net *socket.Network

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	servers  map[bridge.ID]*socket.Server
	timeouts map[bridge.ID]bool

	wg sync.WaitGroup
}

func New(n *socket.Network, out io.Writer) *CLI {
	return &CLI{
		net:      n,
		out:      out,
		servers:  make(map[bridge.ID]*socket.Server),
		timeouts: make(map[bridge.ID]bool),
	}
}

// MonitorCL runs commands read from in until it is exhausted or ctx is
// done, then waits for running file transfers.
func MonitorCL(ctx context.Context, n *socket.Network, in io.Reader, out io.Writer) error {
	c := New(n, out)
	err := c.Run(ctx, in)
	c.Wait()
	return err
}

func (c *CLI) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return errors.Wrap(err, "read commands")
		case line := <-lines:
			c.Exec(line)
		}
	}
}

// Wait blocks until background file transfers finish.
func (c *CLI) Wait() { c.wg.Wait() }

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Exec runs one command line.
func (c *CLI) Exec(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch cmd := fields[0]; cmd {
	case "a":
		c.listen(fields)
	case "c":
		c.connect(fields)
	case "ls":
		c.list()
	case "s":
		c.send(line)
	case "r":
		c.read(fields)
	case "cl":
		c.close(fields)
	case "x":
		c.destroy(fields)
	case "to":
		c.timeout(fields)
	case "sf":
		c.sendFile(fields)
	case "rf":
		c.recvFile(fields)
	case "help":
		c.printf("%s", usage)
	default:
		c.printf("invalid command %q, try help\n", cmd)
	}
}

func (c *CLI) socketArg(arg string) (*socket.Socket, bool) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		c.printf("invalid socket id %q\n", arg)
		return nil, false
	}
	s, ok := c.net.Socket(bridge.ID(id))
	if !ok {
		c.printf("socket %d doesn't exist\n", id)
		return nil, false
	}
	return s, true
}

func (c *CLI) portArg(arg string) (int, bool) {
	port, err := socket.ParsePort(arg)
	if err != nil {
		c.printf("%v\n", err)
		return 0, false
	}
	return port, true
}

func (c *CLI) listen(fields []string) {
	if len(fields) != 2 {
		c.printf("usage: a <port>\n")
		return
	}
	port, ok := c.portArg(fields[1])
	if !ok {
		return
	}
	var srv *socket.Server
	srv = c.net.NewServer(func(s *socket.Socket) {
		c.printf("new connection on socket %d => created new socket %d (%s)\n", srv.ID(), s.ID(), s.RemoteAddress())
		c.watch(s)
	})
	srv.OnListening(func(addr bridge.Address) {
		c.printf("socket %d listening on %s\n", srv.ID(), addr)
	})
	srv.OnError(func(err error) {
		c.printf("listen on port %d failed: %v\n", port, err)
	})
	if err := srv.Listen(socket.ListenOptions{Port: port}); err != nil {
		c.printf("%v\n", err)
		return
	}
	id := srv.ID()
	c.mu.Lock()
	c.servers[id] = srv
	c.mu.Unlock()
	srv.OnClose(func() {
		c.mu.Lock()
		delete(c.servers, id)
		c.mu.Unlock()
	})
}

func (c *CLI) connect(fields []string) {
	if len(fields) != 3 {
		c.printf("usage: c <host> <port>\n")
		return
	}
	port, ok := c.portArg(fields[2])
	if !ok {
		return
	}
	s := c.net.NewSocket()
	s.OnConnect(func() {
		c.printf("socket %d connected to %s\n", s.ID(), s.RemoteAddress())
	})
	c.watch(s)
	if err := s.Connect(socket.ConnectOptions{Host: fields[1], Port: port}); err != nil {
		c.printf("%v\n", err)
		return
	}
	c.printf("created socket %d\n", s.ID())
}

// watch reports errors and closes of s on the console.
func (c *CLI) watch(s *socket.Socket) {
	s.OnError(func(err error) {
		c.printf("socket %d: %v\n", s.ID(), err)
	})
	s.OnClose(func(hadError bool) {
		c.printf("socket %d closed (error: %t)\n", s.ID(), hadError)
	})
}

func (c *CLI) list() {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-24s %-24s %-12s %s\n", "SID", "LAddr", "RAddr", "Status", "Buffered")
	for _, s := range c.net.Sockets() {
		c.mu.Lock()
		srv, isServer := c.servers[s.ID()]
		c.mu.Unlock()
		if isServer {
			fmt.Fprintf(&b, "%-12d %-24s %-24s %-12s %d\n", s.ID(), srv.Address(), "-", "LISTEN", srv.Connections())
			continue
		}
		fmt.Fprintf(&b, "%-12d %-24s %-24s %-12s %d\n", s.ID(), s.LocalAddress(), s.RemoteAddress(), s.GetState(), s.Buffered())
	}
	c.printf("%s", b.String())
}

func (c *CLI) send(line string) {
	// the text keeps its inner spacing
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) != 3 {
		c.printf("usage: s <id> <text>\n")
		return
	}
	s, ok := c.socketArg(parts[1])
	if !ok {
		return
	}
	n, err := s.Write([]byte(parts[2]))
	if err != nil {
		c.printf("failed to send: %v\n", err)
		return
	}
	c.printf("%d bytes sent\n", n)
}

func (c *CLI) read(fields []string) {
	if len(fields) != 3 {
		c.printf("usage: r <id> <n>\n")
		return
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil || n <= 0 {
		c.printf("invalid number of bytes %q\n", fields[2])
		return
	}
	s, ok := c.socketArg(fields[1])
	if !ok {
		return
	}
	buf := make([]byte, n)
	got, err := s.Read(buf)
	if err != nil && got == 0 {
		c.printf("read on socket %d: %v\n", s.ID(), err)
		return
	}
	c.printf("read %d bytes: %s\n", got, buf[:got])
}

func (c *CLI) close(fields []string) {
	if len(fields) != 2 {
		c.printf("usage: cl <id>\n")
		return
	}
	s, ok := c.socketArg(fields[1])
	if !ok {
		return
	}
	c.mu.Lock()
	srv, isServer := c.servers[s.ID()]
	c.mu.Unlock()
	if isServer {
		srv.Close()
		return
	}
	if err := s.End(nil); err != nil {
		c.printf("%v\n", err)
	}
}

func (c *CLI) destroy(fields []string) {
	if len(fields) != 2 {
		c.printf("usage: x <id>\n")
		return
	}
	if s, ok := c.socketArg(fields[1]); ok {
		s.Destroy()
	}
}

func (c *CLI) timeout(fields []string) {
	if len(fields) != 3 {
		c.printf("usage: to <id> <ms>\n")
		return
	}
	ms, err := strconv.Atoi(fields[2])
	if err != nil || ms < 0 {
		c.printf("invalid timeout %q\n", fields[2])
		return
	}
	s, ok := c.socketArg(fields[1])
	if !ok {
		return
	}
	c.mu.Lock()
	hooked := c.timeouts[s.ID()]
	c.timeouts[s.ID()] = true
	c.mu.Unlock()
	if !hooked {
		s.OnTimeout(func() {
			c.printf("socket %d timed out, destroying\n", s.ID())
			s.Destroy()
		})
		s.OnClose(func(bool) {
			c.mu.Lock()
			delete(c.timeouts, s.ID())
			c.mu.Unlock()
		})
	}
	s.SetTimeout(time.Duration(ms) * time.Millisecond)
}

func (c *CLI) sendFile(fields []string) {
	if len(fields) != 4 {
		c.printf("usage: sf <file> <host> <port>\n")
		return
	}
	port, ok := c.portArg(fields[3])
	if !ok {
		return
	}
	f, err := os.Open(fields[1])
	if err != nil {
		c.printf("sendfile: %v\n", err)
		return
	}

	connected := make(chan struct{})
	s, err := c.net.Connect(socket.ConnectOptions{Host: fields[2], Port: port}, func() { close(connected) })
	if err != nil {
		f.Close()
		c.printf("sendfile: %v\n", err)
		return
	}
	c.printf("sendfile: socket %d connecting to %s:%d\n", s.ID(), fields[2], port)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer f.Close()
		select {
		case <-connected:
		case <-s.Done():
			c.printf("sendfile: connect failed: %v\n", s.Err())
			return
		}

		h := blake3.New()
		total, err := io.Copy(s, io.TeeReader(f, h))
		if err != nil {
			c.printf("sendfile: failed after %d bytes: %v\n", total, err)
			s.Destroy()
			return
		}
		if err := s.End(nil); err != nil {
			c.printf("sendfile: %v\n", err)
		}
		<-s.Done()
		c.printf("sendfile done: sent %d bytes, blake3 %x\n", total, h.Sum(nil))
	}()
}

func (c *CLI) recvFile(fields []string) {
	if len(fields) != 3 {
		c.printf("usage: rf <file> <port>\n")
		return
	}
	port, ok := c.portArg(fields[2])
	if !ok {
		return
	}
	path := fields[1]

	conns := make(chan *socket.Socket, 1)
	failed := make(chan error, 1)
	srv := c.net.NewServer(func(s *socket.Socket) {
		select {
		case conns <- s:
		default:
			s.Destroy()
		}
	})
	srv.MaxConnections = 1
	srv.OnListening(func(addr bridge.Address) {
		c.printf("recvfile: waiting on %s\n", addr)
	})
	srv.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	if err := srv.Listen(socket.ListenOptions{Port: port}); err != nil {
		c.printf("recvfile: %v\n", err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var s *socket.Socket
		select {
		case s = <-conns:
		case err := <-failed:
			c.printf("recvfile: %v\n", err)
			return
		}
		srv.Close()
		c.printf("recvfile: client connected on socket %d\n", s.ID())

		f, err := os.Create(path)
		if err != nil {
			c.printf("recvfile: %v\n", err)
			s.Destroy()
			return
		}
		defer f.Close()

		h := blake3.New()
		total, err := io.Copy(io.MultiWriter(f, h), s)
		if err != nil {
			c.printf("recvfile: failed after %d bytes: %v\n", total, err)
			s.Destroy()
			return
		}
		s.End(nil)
		<-s.Done()
		c.printf("recvfile done: read %d bytes, blake3 %x\n", total, h.Sum(nil))
	}()
}
