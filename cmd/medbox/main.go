package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/config"
	"github.com/chaz8081/medbox-link/internal/fill"
	"github.com/chaz8081/medbox-link/internal/firmware"
	"github.com/chaz8081/medbox-link/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "medbox"
	app.Usage = "talk to a SmartMedBox pill box over Bluetooth LE"
	app.Version = "0.3.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/medbox/config.yaml)",
		},
		cli.BoolFlag{
			Name:  "simulate",
			Usage: "use an in-process simulated pill box instead of the radio",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "write the default config file",
			Action: initConfig,
		},
		{
			Name:  "monitor",
			Usage: "connect, sync the clock and print device events until interrupted",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "realtime", Usage: "stream temperature and humidity"},
				cli.BoolFlag{Name: "historic", Usage: "replay stored environment readings"},
			},
			Action: withDevice(monitor),
		},
		{
			Name:   "sync",
			Usage:  "sync the device clock and reminder schedule",
			Action: withDevice(syncDevice),
		},
		{
			Name:      "fill",
			Usage:     "guide the user through filling slots, one at a time",
			ArgsUsage: "SLOT...",
			Action:    withDevice(fillSlots),
		},
		{
			Name:      "ota",
			Usage:     "send a firmware image (file or http(s) URL) to the device",
			ArgsUsage: "IMAGE",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "sha256", Usage: "expected SHA-256 of the image, hex"},
				cli.StringFlag{Name: "cache-dir", Value: firmware.DefaultCacheDir(), Usage: "where downloaded images are kept"},
			},
			Action: withDevice(updateFirmware),
		},
		{
			Name:  "reminder",
			Usage: "manage the reminder schedule",
			Subcommands: []cli.Command{
				{
					Name:  "add",
					Usage: "add a daily reminder",
					Flags: []cli.Flag{
						cli.IntFlag{Name: "slot", Usage: "slot number (1-8)"},
						cli.StringFlag{Name: "at", Usage: "time of day as HH:MM"},
					},
					Action: withStore(addReminder),
				},
				{
					Name:   "list",
					Usage:  "list reminders",
					Action: withStore(listReminders),
				},
				{
					Name:  "delete",
					Usage: "delete every reminder of a slot",
					Flags: []cli.Flag{
						cli.IntFlag{Name: "slot", Usage: "slot number (1-8)"},
					},
					Action: withStore(deleteReminders),
				},
			},
		},
		{
			Name:  "history",
			Usage: "show taken doses and refills",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "since", Value: 7 * 24 * time.Hour, Usage: "how far back to look"},
			},
			Action: withStore(history),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withDevice builds a controller, connects to the box and runs fn until it
// returns or the process is interrupted.
func withDevice(fn func(ctx context.Context, c *cli.Context, ctl *controller) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c.GlobalString("config"))
		if err != nil {
			return err
		}
		ctl, err := newController(cfg, openAdapter(cfg, c.GlobalBool("simulate")), c.App.Writer)
		if err != nil {
			return err
		}
		defer ctl.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := ctl.connect(ctx); err != nil {
			return err
		}
		return fn(ctx, c, ctl)
	}
}

// withStore opens only the medication store.
func withStore(fn func(c *cli.Context, st *store.Store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c.GlobalString("config"))
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(c, st)
	}
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Fprintf(c.App.Writer, "%s already exists\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func monitor(ctx context.Context, c *cli.Context, ctl *controller) error {
	if c.Bool("realtime") {
		if err := ctl.session.Send(protocol.SetRealtime(true)); err != nil {
			return err
		}
	}
	if c.Bool("historic") {
		if err := ctl.session.Send(protocol.RequestHistoric()); err != nil {
			return err
		}
	}
	fmt.Fprintln(c.App.Writer, "monitoring, Ctrl+C to quit")
	<-ctx.Done()
	return nil
}

func syncDevice(ctx context.Context, _ *cli.Context, ctl *controller) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return ctl.waitSynced(ctx)
}

func fillSlots(ctx context.Context, c *cli.Context, ctl *controller) error {
	steps, err := parseSteps(c.Args())
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return ctl.runFill(ctx, steps)
}

func updateFirmware(ctx context.Context, c *cli.Context, ctl *controller) error {
	if c.NArg() != 1 {
		return cli.NewExitError("ota: expected exactly one IMAGE argument", 2)
	}
	image, err := firmware.Load(ctx, c.Args().First(), c.String("cache-dir"), c.String("sha256"), c.App.Writer)
	if err != nil {
		return err
	}
	// Let the handshake finish so its writes do not interleave with chunks.
	if err := ctl.waitSynced(ctx); err != nil {
		return err
	}
	return ctl.runOTA(ctx, image)
}

func addReminder(c *cli.Context, st *store.Store) error {
	at, err := time.Parse("15:04", c.String("at"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("reminder: --at must be HH:MM, got %q", c.String("at")), 2)
	}
	r := store.Reminder{Slot: c.Int("slot"), Hour: at.Hour(), Minute: at.Minute()}
	if err := st.SetReminder(r); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "added %s; run 'medbox sync' to push it to the box\n", r)
	return nil
}

func listReminders(c *cli.Context, st *store.Store) error {
	reminders, err := st.Reminders()
	if err != nil {
		return err
	}
	if len(reminders) == 0 {
		fmt.Fprintln(c.App.Writer, "no reminders")
		return nil
	}
	for _, r := range reminders {
		fmt.Fprintln(c.App.Writer, r)
	}
	return nil
}

func deleteReminders(c *cli.Context, st *store.Store) error {
	n, err := st.DeleteReminders(c.Int("slot"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %d reminders\n", n)
	return nil
}

func history(c *cli.Context, st *store.Store) error {
	doses, err := st.Doses(time.Now().Add(-c.Duration("since")))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d doses taken\n", len(doses))
	for _, d := range doses {
		fmt.Fprintf(c.App.Writer, "  %s  slot %d\n", d.At.Local().Format("2006-01-02 15:04"), d.Slot)
	}

	fills, err := st.Fills()
	if err != nil {
		return err
	}
	for _, f := range fills {
		fmt.Fprintf(c.App.Writer, "slot %d last filled %s\n", f.Slot, f.At.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// parseSteps turns SLOT arguments into fill steps.
func parseSteps(args []string) ([]fill.Step, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("fill: at least one SLOT is required")
	}
	steps := make([]fill.Step, 0, len(args))
	for _, arg := range args {
		slot, err := strconv.Atoi(arg)
		if err != nil || slot < 1 || slot > protocol.NumSlots {
			return nil, fmt.Errorf("fill: invalid slot %q (want 1-%d)", arg, protocol.NumSlots)
		}
		steps = append(steps, fill.Step{Slot: slot})
	}
	return steps, nil
}
