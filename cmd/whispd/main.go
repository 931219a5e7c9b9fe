// Command whispd is the reference embedding program for the Whisp SSH
// core: it supplies the listener loop, app registry file, and signal
// handling that spec.md §6 names as external to the core itself.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jpillora/opts"

	"github.com/whispsh/whisp/internal/apps"
	"github.com/whispsh/whisp/internal/hostkey"
	"github.com/whispsh/whisp/internal/logging"
	"github.com/whispsh/whisp/session"
)

type config struct {
	Host       string `opts:"help=listening interface (defaults to all)"`
	Port       string `opts:"short=p,help=listening port,default=2200"`
	AppsFile   string `opts:"name=apps,help=path to the YAML app registry file"`
	KeyDir     string `opts:"name=keydir,help=host key directory (defaults to $HOME/.whisp-whispd)"`
	LogVerbose bool   `opts:"name=verbose,short=v,help=verbose logs"`
}

func main() {
	c := config{Port: "2200"}
	opts.Parse(&c)

	logger := logging.NewDefault(c.LogVerbose)

	keyDir := c.KeyDir
	if keyDir == "" {
		var err error
		keyDir, err = hostkey.DefaultDir("whispd")
		if err != nil {
			logger.Errorf("host key dir: %v", err)
			os.Exit(1)
		}
	}
	hk, err := hostkey.Load(keyDir)
	if err != nil {
		logger.Errorf("host key: %v", err)
		os.Exit(1)
	}

	var registry *apps.Registry
	if c.AppsFile != "" {
		registry, err = apps.LoadFile(c.AppsFile)
		if err != nil {
			logger.Errorf("app registry: %v", err)
			os.Exit(1)
		}
	} else {
		registry = apps.New()
	}

	d := &daemon{registry: registry, hostKey: hk, logger: logger}
	if err := d.run(c.Host, c.Port); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// daemon owns the listener and the set of connections currently being
// served, so SIGINT/SIGTERM can ask every one of them to shut down
// (spec §6's "signals to the parent").
type daemon struct {
	registry *apps.Registry
	hostKey  *hostkey.Store
	logger   logging.Logger

	listener net.Listener

	mu      sync.Mutex
	conns   map[*session.Connection]struct{}
	closing bool
}

func (d *daemon) run(host, port string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR2)
	go d.handleSignals(sig)

	return d.listenAndServe(host, port)
}

func (d *daemon) handleSignals(sig <-chan os.Signal) {
	for s := range sig {
		switch s {
		case syscall.SIGINT, syscall.SIGTERM:
			d.logger.Infof("shutting down on %v", s)
			d.shutdown()
			os.Exit(0)
		case syscall.SIGHUP:
			d.logger.Infof("reloading app registry")
			if err := d.registry.Reload(); err != nil {
				d.logger.Errorf("reload: %v", err)
			}
		case syscall.SIGUSR2:
			d.logger.Infof("restarting listener")
			if d.listener != nil {
				d.listener.Close()
			}
		}
	}
}

func (d *daemon) shutdown() {
	d.mu.Lock()
	d.closing = true
	conns := make([]*session.Connection, 0, len(d.conns))
	for conn := range d.conns {
		conns = append(conns, conn)
	}
	d.mu.Unlock()

	if d.listener != nil {
		d.listener.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
}

// listenAndServe binds host:port and accepts connections until the
// listener is closed, restarting the accept loop once if it was closed
// by a SIGUSR2 restart request rather than a shutdown.
func (d *daemon) listenAndServe(host, port string) error {
	d.conns = map[*session.Connection]struct{}{}
	addr := net.JoinHostPort(host, port)
	for {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("whispd: listen %s: %w", addr, err)
		}
		d.listener = l
		d.logger.Infof("listening on %s", l.Addr())

		d.acceptLoop(l)

		d.mu.Lock()
		closing := d.closing
		d.mu.Unlock()
		if closing {
			return nil
		}
	}
}

func (d *daemon) acceptLoop(l net.Listener) {
	for {
		tcpConn, err := l.Accept()
		if err != nil {
			return // listener closed: either restart (SIGUSR2) or shutdown
		}
		id, err := connectionID()
		if err != nil {
			d.logger.Errorf("connection id: %v", err)
			tcpConn.Close()
			continue
		}
		conn := session.New(tcpConn, id, d.registry, d.hostKey, d.logger)

		d.mu.Lock()
		d.conns[conn] = struct{}{}
		d.mu.Unlock()

		go func() {
			defer func() {
				d.mu.Lock()
				delete(d.conns, conn)
				d.mu.Unlock()
			}()
			if err := conn.Run(); err != nil {
				d.logger.Debugf("[%s] connection ended: %v", id, err)
			}
		}()
	}
}

func connectionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
