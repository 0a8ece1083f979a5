// drmoutputs lights up every connected monitor with its preferred mode
// and animates a solid color on it until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/drmbackend/backend"
	"github.com/NeowayLabs/drmbackend/config"
	"github.com/NeowayLabs/drmbackend/eventloop"
	"github.com/NeowayLabs/drmbackend/session"
)

type outputInfo struct {
	Name       string
	Make       string
	Model      string
	Serial     string
	PhysWidth  uint32
	PhysHeight uint32
	Modes      []string
}

func describe(conn *backend.Connector) outputInfo {
	w, h := conn.PhysicalSize()
	info := outputInfo{
		Name:       conn.Name(),
		Make:       conn.Make(),
		Model:      conn.Model(),
		Serial:     conn.Serial(),
		PhysWidth:  w,
		PhysHeight: h,
	}
	for _, m := range conn.Modes() {
		info.Modes = append(info.Modes, m.String())
	}
	return info
}

// crosshair is the cursor image, hotspot in the middle.
func crosshair() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 15, 15))
	white := color.RGBA{0xff, 0xff, 0xff, 0xff}
	for i := 0; i < 15; i++ {
		img.SetRGBA(i, 7, white)
		img.SetRGBA(7, i, white)
	}
	return img
}

func render(conn *backend.Connector, start time.Time) error {
	m := conn.CurrentMode()
	if m == nil {
		return nil
	}
	if err := conn.MakeCurrent(); err != nil {
		return err
	}
	r := conn.Renderer()
	if err := r.Begin(int(m.Width), int(m.Height)); err != nil {
		return err
	}

	t := time.Since(start).Seconds()
	phase := uint8(int(t*64) % 256)
	r.Clear(color.RGBA{R: phase, G: 0x40, B: 0xff - phase, A: 0xff})
	r.End()

	// sweep the cursor along the diagonal
	w, h := conn.TransformedResolution()
	frac := t/4 - float64(int(t/4))
	conn.MoveCursor(int(frac*float64(w)), int(frac*float64(h)))

	return conn.SwapBuffers()
}

func setupOutput(log *logrus.Entry, conn *backend.Connector, start time.Time) {
	log = log.WithField("output", conn.Name())
	m := conn.PreferredMode()
	if m == nil {
		log.Warn("No modes, leaving output off")
		return
	}
	if err := conn.SetMode(m); err != nil {
		log.WithError(err).Error("Failed to set mode")
		return
	}
	if err := conn.SetCursor(crosshair(), 7, 7); err != nil {
		log.WithError(err).Warn("No hardware cursor")
	}

	conn.Events.Frame.Add(func(conn *backend.Connector) {
		err := render(conn, start)
		if err != nil && !errors.Is(err, backend.ErrPageflipPending) {
			log.WithError(err).Error("Failed to render frame")
		}
	})
	conn.Events.Present.Add(func(ev *backend.PresentEvent) {
		log.WithField("seq", ev.Seq).Trace("Frame presented")
	})
}

func run(cfg *config.Config, dump bool) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	sess, err := session.Create(loop, cfg.Session, log)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	device := cfg.Device
	if device == "" {
		gpus, err := session.FindGPUs()
		if err != nil {
			return err
		}
		if len(gpus) == 0 {
			return errors.New("no GPU found")
		}
		device = gpus[0]
	}

	card, err := sess.OpenCard(device)
	if err != nil {
		return errors.Wrapf(err, "open %s", device)
	}

	b, err := backend.New(card, backend.Options{
		Loop:     loop,
		Session:  sess,
		Log:      log,
		NoAtomic: cfg.NoAtomic,
	})
	if err != nil {
		// New closed the card
		return err
	}
	defer b.Destroy()

	start := time.Now()
	b.Events.NewOutput.Add(func(conn *backend.Connector) {
		if dump {
			spew.Dump(describe(conn))
		}
		setupOutput(log, conn, start)
	})
	b.Events.OutputRemoved.Add(func(conn *backend.Connector) {
		log.WithField("output", conn.Name()).Info("Output removed")
	})

	if err := b.Start(); err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "configuration file (default: XDG config dir)")
	dump := flag.Bool("dump", false, "dump the outputs found")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
	logrus.SetLevel(level)

	if err := run(cfg, *dump); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}
