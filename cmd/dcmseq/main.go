// Command-line interface for displaying DICOM series fetched over DICOMweb.
// Provides commands to view a series into image files and to serve display sessions over HTTP.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/server"
	"github.com/janelia-flyem/dcmseq/viewer"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Image format of files written by the view command.
	format = flag.String("format", "png", "")

	// Lifetime of tokens made by the token command.
	tokenTTL = flag.Duration("ttl", 24*time.Hour, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use for parallel fetch and decode.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
dcmseq fetches the frames of a DICOM series over DICOMweb and displays them in order

Usage: dcmseq [options] <command>

      -format     =string   Image format for view: png, jpg[:quality], tiff or bmp.
      -ttl        =duration Lifetime of a token made with the token command.
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use for parallel fetch and decode.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	view   <config.toml> <study UID> <series UID> <output dir>
	serve  <config.toml>
	token  <config.toml> <user>
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		dcm.SetLogMode(dcm.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
	}
	if *useCPU != 0 {
		dcm.NumCPU = *useCPU
		runtime.GOMAXPROCS(dcm.NumCPU)
	}

	// Capture ctrl+c and other interrupts.  Then handle graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := doCommand(ctx, flag.Args())
	stop()
	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// doCommand serves as a switchboard for commands.
func doCommand(ctx context.Context, args []string) error {
	switch args[0] {
	case "about":
		fmt.Printf("dcmseq %s\n", dcm.Version)
		return nil
	case "view":
		if len(args) != 5 {
			return fmt.Errorf("view command must be followed by <config.toml> <study UID> <series UID> <output dir>")
		}
		return doView(ctx, args[1], dcm.Series{StudyUID: args[2], SeriesUID: args[3]}, args[4])
	case "serve":
		if len(args) != 2 {
			return fmt.Errorf("serve command must be followed by the path to the TOML configuration file")
		}
		return doServe(ctx, args[1])
	case "token":
		if len(args) != 3 {
			return fmt.Errorf("token command must be followed by <config.toml> <user>")
		}
		cfg, err := server.LoadConfig(args[1])
		if err != nil {
			return err
		}
		token, err := cfg.NewToken(args[2], *tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	default:
		return fmt.Errorf("unknown command %q, try 'dcmseq help'", args[0])
	}
}

// doServe runs the HTTP server until interrupted.
func doServe(ctx context.Context, configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Logging.SetLogger()
	defer dcm.Shutdown()

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	dcm.Infof("dcmseq %s serving on host %s\n", dcm.Version, cfg.Server.Host)
	return srv.Run(ctx)
}

// doView writes every frame of a series into the output directory in display order.
func doView(ctx context.Context, configPath string, series dcm.Series, outDir string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	renderer, err := viewer.NewFileRenderer(outDir, *format)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	timedLog := dcm.NewTimeLog()
	session, total, err := srv.View(ctx, series, renderer)
	if err != nil {
		return err
	}
	dcm.Infof("Displaying %d frames of %s\n", total, series)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			if err := session.Err(); err != nil {
				return fmt.Errorf("session %s failed: %v", session.ID, err)
			}
			p := session.Progress()
			timedLog.Infof("Wrote %d images (%s) to %s", p.Rendered, dcm.HumanBytes(p.RenderedBytes), outDir)
			return nil
		case <-ctx.Done():
			session.Cancel()
			return fmt.Errorf("view of %s interrupted: %s", series, session.Progress())
		case <-ticker.C:
			dcm.Infof("%s\n", session.Progress())
		}
	}
}
