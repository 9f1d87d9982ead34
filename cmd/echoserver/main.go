// Command echoserver is a runnable demonstration of the runtime: a
// 2-worker Reactor, an acceptor coroutine listening on TCP :18080, and
// one echo coroutine per accepted connection running
// "while n = recv(8); n > 0: send(n bytes)".
package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coroio/coroio/obslog"
	"github.com/coroio/coroio/reactor"
	"github.com/coroio/coroio/shim"
	"golang.org/x/sys/unix"
)

const listenPort = 18080

func main() {
	r, err := reactor.New(reactor.WithWorkers(2), reactor.WithLogger(obslog.Global()))
	if err != nil {
		log.Fatalf("reactor.New: %v", err)
	}
	r.Start()
	defer r.Stop()
	defer r.Close()

	listenFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatalf("socket: %v", err)
	}
	defer unix.Close(listenFD)

	if err := unix.SetsockoptInt(listenFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		log.Fatalf("setsockopt(SO_REUSEADDR): %v", err)
	}
	if err := unix.SetNonblock(listenFD, true); err != nil {
		log.Fatalf("set nonblock: %v", err)
	}
	// Register with the FdTable up front so shim.Accept suspends on
	// EAGAIN instead of falling through to a single bare accept(2) -
	// see waitReady's "absent from FdTable: call original" branch.
	r.FdTable().Get(listenFD, true)

	if err := unix.Bind(listenFD, &unix.SockaddrInet4{Port: listenPort}); err != nil {
		log.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(listenFD, 128); err != nil {
		log.Fatalf("listen: %v", err)
	}

	r.Spawn(func() { acceptLoop(r, listenFD) })

	log.Printf("echoserver listening on :%d", listenPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func acceptLoop(r *reactor.Reactor, listenFD int) {
	for {
		connFD, _, err := shim.Accept(listenFD)
		if err != nil {
			if errors.Is(err, unix.EBADF) {
				return // listener closed
			}
			continue
		}
		r.Spawn(func() { echoConn(connFD) })
	}
}

func echoConn(fd int) {
	defer shim.Close(fd)
	buf := make([]byte, 8)
	for {
		n, err := shim.Recv(fd, buf, 0)
		if err != nil || n == 0 {
			return
		}
		if _, err := shim.Send(fd, buf[:n], 0); err != nil {
			return
		}
	}
}
