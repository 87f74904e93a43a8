// Command virtguest boots the guest driver stack against the simulated
// machine and serves HTTP from inside it. Connections accepted on the host
// listener are proxied over the virtio network device into a web server
// running on the guest's own TCP/IP stack; disk content comes off the virtio
// block device. With no disk configured the server runs degraded and says so.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vmforge/virtguest/netkit"
	"github.com/vmforge/virtguest/plic"
	"github.com/vmforge/virtguest/sim"
	"github.com/vmforge/virtguest/virtio/blk"
	"github.com/vmforge/virtguest/virtio/vnet"
)

type config struct {
	// Listen is the host address the proxy accepts connections on.
	Listen string `yaml:"listen"`

	// Disk backs the block device: a file path or an http(s) URL. Empty
	// means no disk; the server runs degraded.
	Disk string `yaml:"disk"`

	// SectorSize overrides the block device's reported sector size.
	SectorSize uint32 `yaml:"sector_size"`

	// ReadOnly makes the block device reject writes.
	ReadOnly bool `yaml:"read_only"`

	// MemMiB is the guest memory size in MiB.
	MemMiB int `yaml:"mem_mib"`

	// MAC overrides the guest interface hardware address.
	MAC string `yaml:"mac"`

	// GuestPort is the port the guest web server listens on.
	GuestPort uint16 `yaml:"guest_port"`

	// LogLevel sets the logrus level by name.
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Listen:    "127.0.0.1:8080",
		MemMiB:    8,
		GuestPort: 80,
		LogLevel:  "info",
	}
}

func main() {

	var (
		cfgPath = flag.String("config", "", "load config from a YAML file")
		listen  = flag.String("listen", "", "override the host listen address")
		disk    = flag.String("disk", "", "override the disk file or URL")
	)

	flag.Parse()

	cfg := defaultConfig()
	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			logrus.WithError(err).Fatal("read config")
		}

		if err := yaml.Unmarshal(b, &cfg); err != nil {
			logrus.WithError(err).Fatal("parse config")
		}
	}

	if *listen != "" {
		cfg.Listen = *listen
	}

	if *disk != "" {
		cfg.Disk = *disk
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config, log *logrus.Logger) error {
	storage, err := openStorage(cfg.Disk)
	if err != nil {
		return err
	}

	var host *netkit.Stack

	m, err := sim.NewMachine(sim.MachineConfig{
		MemSize:    cfg.MemMiB << 20,
		Storage:    storage,
		SectorSize: cfg.SectorSize,
		ReadOnly:   cfg.ReadOnly,
		Log:        log,

		Transmit: func(frame []byte) {
			if host != nil {
				host.InjectInbound(frame)
			}
		},
	})

	if err != nil {
		return err
	}

	var mac net.HardwareAddr
	if cfg.MAC != "" {
		if mac, err = net.ParseMAC(cfg.MAC); err != nil {
			return err
		}
	}

	// bring up the guest drivers
	var guest *netkit.Stack

	netdev, err := vnet.New(vnet.Config{
		Bus: m.NetBus,
		Mem: m.Mem,
		Log: log,
		MAC: mac,

		Input: func(frame []byte) {
			if guest != nil {
				guest.InjectInbound(frame)
			}
		},
	})

	if err != nil {
		return err
	}

	// a missing or broken disk degrades the server instead of killing it
	blkdev, err := blk.New(blk.Config{Bus: m.BlockBus, Mem: m.Mem, Log: log})
	if err != nil {
		log.WithError(err).Warn("no block device, running degraded")
	}

	// route device interrupts the way the real machine would
	disp := plic.NewDispatcher(plic.New(m.PLIC), log)
	disp.Register(m.NetBus.IRQ(), netdev.HandleInterrupt)

	if guest, err = netkit.New(netkit.Config{Port: netdev, MAC: netdev.MAC(), Log: log}); err != nil {
		return err
	}

	defer guest.Close()

	if host, err = netkit.New(netkit.Config{
		Port:    netkit.PortFunc(m.InjectFrame),
		MAC:     net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02},
		Addr:    netkit.DefaultGateway,
		Gateway: netkit.DefaultAddr,
		Log:     log,
	}); err != nil {
		return err
	}

	defer host.Close()

	ln, err := guest.ListenTCP(cfg.GuestPort)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: newHandler(blkdev, time.Now())}
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			log.WithError(err).Error("guest server stopped")
		}
	}()

	go mainLoop(disp, netdev, log)

	return proxy(cfg, guest, log)
}

// mainLoop services the interrupt controller and polls the network device,
// logging uptime once a minute.
func mainLoop(disp *plic.Dispatcher, netdev *vnet.Device, log *logrus.Logger) {
	start := time.Now()
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	for {
		if disp.Service() == 0 {
			if err := netdev.Poll(); err != nil {
				log.WithError(err).Error("poll failed")
			}

			time.Sleep(100 * time.Microsecond)
		}

		select {
		case <-tick.C:
			log.WithField("uptime", time.Since(start).Round(time.Second)).Info("alive")
		default:
		}
	}
}

// proxy accepts host connections and splices each one to the guest web
// server over the guest's TCP/IP stack.
func proxy(cfg config, guest *netkit.Stack, log *logrus.Logger) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"listen": ln.Addr().String(),
		"guest":  fmt.Sprintf("%s:%d", guest.Addr(), cfg.GuestPort),
	}).Info("proxying")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		go func() {
			if err := splice(conn, guest, cfg.GuestPort); err != nil {
				log.WithError(err).Debug("connection closed")
			}
		}()
	}
}

func splice(conn net.Conn, guest *netkit.Stack, port uint16) error {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	up, err := guest.DialTCP(ctx, guest.Addr(), port)
	if err != nil {
		return err
	}

	defer up.Close()

	var eg errgroup.Group
	eg.Go(func() error {
		_, err := io.Copy(up, conn)
		up.Close()
		return err
	})

	eg.Go(func() error {
		_, err := io.Copy(conn, up)
		conn.Close()
		return err
	})

	return eg.Wait()
}

// openStorage opens the configured disk: a file path or an http(s) URL.
// Files are opened read-write when possible, falling back to read-only.
func openStorage(disk string) (sim.Storage, error) {
	if disk == "" {
		return nil, nil
	}

	u, err := url.Parse(disk)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		f, err := os.OpenFile(u.Path, os.O_RDWR, 0)
		if err != nil {
			if f, err = os.Open(u.Path); err != nil {
				return nil, err
			}
		}

		return &sim.FileStorage{File: f}, nil

	case "http", "https":
		return &sim.HTTPStorage{URL: disk}, nil

	default:
		return nil, fmt.Errorf("unsupported disk scheme %q", u.Scheme)
	}
}

// newHandler serves the guest's pages: an index, the leading disk content,
// and a driver metrics dump.
func newHandler(blkdev *blk.Device, start time.Time) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "virtguest up %s\n", time.Since(start).Round(time.Second))

		if blkdev.Available() {
			fmt.Fprintf(w, "disk: %d sectors of %d bytes\n", blkdev.Capacity(), blkdev.SectorSize())
		} else {
			fmt.Fprintln(w, "disk: unavailable (degraded)")
		}
	})

	mux.HandleFunc("/disk", func(w http.ResponseWriter, r *http.Request) {
		if !blkdev.Available() {
			http.Error(w, "no disk", http.StatusServiceUnavailable)
			return
		}

		buf := make([]byte, blkdev.SectorSize())
		if err := blkdev.Read(0, buf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("content-type", "application/octet-stream")
		_, _ = w.Write(buf)
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		metrics.WriteJSONOnce(metrics.DefaultRegistry, w)
	})

	return mux
}
