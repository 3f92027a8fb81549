package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/minhtrannhat/epore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var config *epore.Config

func init() {
	configFilePath := flag.String("c", "./cmd/config.toml", "path to configuration file.")
	flag.Parse()
	config = epore.LoadConfig(*configFilePath)
	initLog(config)
	rand.Seed(time.Now().UnixNano())
}

func initLog(config *epore.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil || config.Global.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

type probe struct {
	conn *net.TCPConn
	fd   int
}

func main() {
	epore.RaiseOpenFileLimit(4096)

	poll, err := epore.NewPoll()
	if err != nil {
		log.Fatal().Msgf("can't create event queue: %+v", err)
	}
	defer poll.Close()
	registry := poll.Registry()
	defer registry.Close()

	probes := make(map[epore.Token]*probe)
	var tok epore.Token
	for _, target := range config.Targets {
		for i := 0; i < target.Requests; i++ {
			p, err := sendRequest(registry, target, tok)
			if err != nil {
				log.Fatal().Msgf("can't send request %d to %s: %+v", i, target.Address, err)
			}
			probes[tok] = p
			tok++
		}
	}
	log.Info().Msgf("finished sending %d requests", len(probes))

	timeout := epore.NoTimeout
	if config.Poller.WaitTimeoutMs > 0 {
		timeout = time.Duration(config.Poller.WaitTimeoutMs) * time.Millisecond
	}
	events := epore.NewEvents(config.Poller.EventBufferSize)
	for len(probes) > 0 {
		n, err := poll.Wait(events, timeout)
		if err != nil {
			log.Fatal().Msgf("got error while waiting for the net events: %+v", err)
		}
		if n == 0 {
			log.Debug().Msg("wait returned no events")
			continue
		}
		for _, event := range events.All() {
			p, ok := probes[event.Token]
			if !ok {
				continue
			}
			done, err := drainResponse(p, event.Token)
			if err != nil {
				log.Error().Msgf("[%d] got error while reading response: %+v", p.fd, err)
				done = true
			}
			if done {
				err := registry.Deregister(p.fd)
				if err != nil {
					log.Error().Msgf("[%d] got error while detaching fd from queue: %+v", p.fd, err)
				}
				p.conn.Close()
				delete(probes, event.Token)
			}
		}
	}
	log.Info().Msg("finished receiving all responses")
}

func sendRequest(registry *epore.Registry, target epore.TargetConfig, tok epore.Token) (*probe, error) {
	conn, err := net.Dial(target.Net, target.Address)
	if err != nil {
		return nil, err
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tcpConn.SetNoDelay(true); err != nil {
		return nil, err
	}
	delay := rand.Intn(target.MaxDelayMs) + 1
	request := fmt.Sprintf("GET /%d/request-%d HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n", delay, tok)
	if _, err := tcpConn.Write([]byte(request)); err != nil {
		return nil, err
	}
	fd, err := epore.ConnFd(tcpConn)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(fd, tok, epore.Readable|epore.Edge); err != nil {
		return nil, err
	}
	return &probe{conn: tcpConn, fd: fd}, nil
}

// drainResponse reads until the socket would block, reporting done once the
// peer closes its end. Edge-triggered registrations must drain fully on
// every event or the readiness is never reported again.
func drainResponse(p *probe, tok epore.Token) (bool, error) {
	buffer := make([]byte, 4096)
	for {
		read, err := unix.Read(p.fd, buffer)
		if err == unix.EAGAIN || err == unix.EINTR {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if read == 0 {
			return true, nil
		}
		log.Debug().Msgf("[%d] received %d bytes for request %d", p.fd, read, tok)
	}
}
