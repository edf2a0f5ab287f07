// Command relayctl is a thin wrapper around a RelaySwitch: it dials a
// fixed set of masters, negotiates with each, and pipes REQ/CHUNK/END
// frames between them and standard in/out. It is not the relay core
// itself — just the minimal CLI shape needed to run one.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/filegrind/relaycore"
	"github.com/filegrind/relaycore/wire"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "listen" {
		fmt.Fprintf(os.Stderr, "usage: relayctl listen -master addr[,addr...]\n")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	masterAddrs := fs.String("master", "", "comma-separated list of master addresses (network:address, e.g. unix:/tmp/m0.sock or tcp:127.0.0.1:9000)")
	_ = fs.Parse(os.Args[2:])

	if *masterAddrs == "" {
		fmt.Fprintf(os.Stderr, "relayctl: at least one -master address is required\n")
		os.Exit(1)
	}

	sw, err := connectSwitch(strings.Split(*masterAddrs, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}

	if err := pumpStdio(sw); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

// connectSwitch dials every master address and constructs a RelaySwitch
// over the resulting connections. A single net.Conn serves as both the
// read and write half of its SocketPair.
func connectSwitch(addrs []string) (*relaycore.RelaySwitch, error) {
	pairs := make([]relaycore.SocketPair, 0, len(addrs))
	for _, addr := range addrs {
		network, address, ok := strings.Cut(strings.TrimSpace(addr), ":")
		if !ok {
			return nil, fmt.Errorf("invalid -master entry %q: want network:address", addr)
		}
		conn, err := net.Dial(network, address)
		if err != nil {
			return nil, fmt.Errorf("dialing master %q: %w", addr, err)
		}
		pairs = append(pairs, relaycore.SocketPair{Read: conn, Write: conn})
	}
	return relaycore.NewRelaySwitch(pairs)
}

// pumpStdio proxies frames between the switch and this process's standard
// streams: stdin frames are routed to masters, and whatever masters emit is
// written to stdout. Each direction stops on its own end-of-stream or
// error; pumpStdio returns only once both have stopped, so output keeps
// flowing after stdin closes until every master has closed.
func pumpStdio(sw *relaycore.RelaySwitch) error {
	stdinReader := wire.NewFrameReader(os.Stdin)
	stdoutWriter := wire.NewFrameWriter(os.Stdout)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			frame, err := stdinReader.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			if frame == nil {
				return
			}
			if err := sw.SendToMaster(frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			frame, err := sw.ReadFromMasters()
			if err != nil {
				errCh <- err
				return
			}
			if frame == nil {
				return
			}
			if err := stdoutWriter.WriteFrame(frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
