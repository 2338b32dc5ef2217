// Command myotun-server answers myotun discovery, establish, and xfer
// queries on a UDP socket, relaying each established session's bytestream
// to a TCP target.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/secureinput"
	"github.com/faanross/myotun/internal/session"
)

func main() {
	listen := flag.String("listen", ":53", "UDP address to listen on")
	zone := flag.String("zone", "tun.example.com", "root domain this server answers for")
	password := flag.String("password", "", "tunnel password (prompted for if unset and MYOTUN_PASSWORD is also unset)")
	connTimeout := flag.Duration("conn-timeout", 5*time.Second, "timeout dialing an established session's TCP target")
	sessionTimeout := flag.Duration("session-timeout", 2*time.Minute, "idle timeout before a session is garbage collected")
	proofWindow := flag.Uint64("proof-window", 30, "seconds of clock skew tolerated in the establish password proof")
	flag.Parse()

	hostDomain, err := dnsproto.ParseDomain(*zone)
	if err != nil {
		log.Fatalf("invalid -zone %q: %v", *zone, err)
	}

	pw := *password
	if pw == "" {
		pw = os.Getenv("MYOTUN_PASSWORD")
	}
	if pw == "" {
		pw, err = secureinput.ReadPassword("tunnel password: ")
		if err != nil {
			log.Fatalf("reading password: %v", err)
		}
	}
	if pw == "" {
		log.Fatal("no password set: pass -password or set MYOTUN_PASSWORD")
	}

	router := session.NewRouter(hostDomain, pw, *proofWindow, *connTimeout, *sessionTimeout)

	conn, err := net.ListenPacket("udp", *listen)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listen, err)
	}
	defer conn.Close()
	log.Printf("myotun-server listening on %s for zone %s", *listen, hostDomain.String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down")
		conn.Close()
		os.Exit(0)
	}()

	buf := make([]byte, 2048)
	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			log.Printf("read error: %v", err)
			continue
		}
		router.GarbageCollect()

		query, err := dnsproto.DecodeMessage(buf[:n])
		if err != nil {
			log.Printf("dropping malformed message from %s: %v", remote, err)
			continue
		}

		response, err := router.HandleMessage(query)
		if err != nil {
			log.Printf("error handling query from %s: %v", remote, err)
			continue
		}

		raw, err := dnsproto.Encode(response)
		if err != nil {
			log.Printf("error encoding response to %s: %v", remote, err)
			continue
		}
		if _, err := conn.WriteTo(raw, remote); err != nil {
			log.Printf("write error to %s: %v", remote, err)
		}
	}
}
