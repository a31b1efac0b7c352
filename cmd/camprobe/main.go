package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	devicebackup "camrelay/internal/infrastructure/backup"
	"camrelay/internal/infrastructure/camera/rtspprobe"
	"camrelay/internal/infrastructure/repositories"
	"camrelay/pkg/backup"
	"camrelay/pkg/client"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/password"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagTimeout    time.Duration
	flagPassword   string
	flagIterations int
	flagVerbose    bool
	flagToken      string
	flagHelp       bool
)

func init() {
	flag.DurationVarP(&flagTimeout, "timeout", "t", 5*time.Second, "RTSP dial and read timeout")
	flag.StringVarP(&flagPassword, "password", "p", "", "Password to hash (read from stdin when empty)")
	flag.IntVarP(&flagIterations, "iterations", "n", password.Iterations, "PBKDF2 iterations")
	flag.BoolVarP(&flagVerbose, "verbose", "v", false, "Log probe progress")
	flag.StringVarP(&flagToken, "token", "k", os.Getenv("CAMRELAY_TOKEN"), "Access token for server commands")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

const helpString = `Camera and config tooling for camrelay

Usage:
  camprobe [OPTION]... probe rtsp://[user:pass@]host[:port]/path
  camprobe [OPTION]... hash-password
  camprobe check-config FILE
  camprobe restore-devices FILE [BACKUP]
  camprobe [OPTION]... sessions SERVER_URL
  camprobe [OPTION]... stop SERVER_URL CAMERA_ID

Options:
  -t, --timeout=DURATION   RTSP dial and read timeout (default: 5s)
  -p, --password=STRING    Password to hash, read from stdin when empty
  -n, --iterations=NUM     PBKDF2 iterations (default: 120000)
  -v, --verbose            Log probe progress
  -k, --token=STRING       Access token for sessions and stop (default: $CAMRELAY_TOKEN)
  -h, --help               Print this help message and exit`

var (
	ok   = color.New(color.FgGreen, color.Bold)
	fail = color.New(color.FgRed, color.Bold)
	key  = color.New(color.FgCyan)
)

func main() {
	flag.Parse()
	if flagHelp || flag.NArg() == 0 {
		fmt.Println(helpString)
		if flagHelp {
			return
		}
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "probe":
		err = probe(flag.Args()[1:])
	case "hash-password":
		err = hashPassword()
	case "check-config":
		err = checkConfig(flag.Args()[1:])
	case "restore-devices":
		err = restoreDevices(flag.Args()[1:])
	case "sessions":
		err = listSessions(flag.Args()[1:])
	case "stop":
		err = stopSession(flag.Args()[1:])
	default:
		err = fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		fail.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func probe(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("probe takes exactly one RTSP URL")
	}
	params, err := paramsFromURL(args[0])
	if err != nil {
		return err
	}

	level := "error"
	if flagVerbose {
		level = "debug"
	}
	prober := rtspprobe.New(flagTimeout, logger.New(level))

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout+time.Second)
	defer cancel()

	start := time.Now()
	result, err := prober.Probe(ctx, params)
	if err != nil {
		fail.Printf("FAIL ")
		fmt.Printf("%s (%s)\n", params.String(), domain.KindOf(err))
		return err
	}

	ok.Printf("OK ")
	fmt.Printf("%s in %s\n", params.String(), time.Since(start).Round(time.Millisecond))
	key.Printf("  codec:  ")
	fmt.Println(result.Codec)
	if result.Width > 0 {
		key.Printf("  size:   ")
		fmt.Printf("%dx%d\n", result.Width, result.Height)
	}
	key.Printf("  tracks: ")
	fmt.Println(result.Tracks)
	return nil
}

// paramsFromURL splits an rtsp:// URL into connection parameters.
func paramsFromURL(raw string) (domain.ConnectionParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.ConnectionParams{}, fmt.Errorf("parse url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "rtsp") {
		return domain.ConnectionParams{}, fmt.Errorf("expected an rtsp:// url, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return domain.ConnectionParams{}, fmt.Errorf("url has no host")
	}

	params := domain.ConnectionParams{
		Protocol: domain.ProtocolRTSP,
		Host:     u.Hostname(),
		Port:     554,
		Path:     u.Path,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return domain.ConnectionParams{}, fmt.Errorf("invalid port %q", p)
		}
		params.Port = port
	}
	if u.User != nil {
		params.Username = u.User.Username()
		params.Password, _ = u.User.Password()
	}
	return params, nil
}

func hashPassword() error {
	plain := flagPassword
	if plain == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		plain = strings.TrimRight(line, "\r\n")
	}
	if plain == "" {
		return fmt.Errorf("empty password")
	}

	hash, err := password.HashWithIterations(plain, flagIterations)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func checkConfig(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("check-config takes exactly one file")
	}
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	ok.Printf("OK ")
	fmt.Println(args[0])
	key.Printf("  address:  ")
	fmt.Println(cfg.Server.Address)
	key.Printf("  storage:  ")
	fmt.Println(cfg.Storage.Backend)
	key.Printf("  sessions: ")
	fmt.Println(cfg.Session.MaxSessions)
	key.Printf("  cluster:  ")
	fmt.Println(cfg.Cluster.Enabled)
	return nil
}

// restoreDevices loads a device backup into the store named by the config.
// BACKUP defaults to the newest one in backup.dir.
func restoreDevices(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("restore-devices takes a config file and an optional backup name")
	}
	name := "latest"
	if len(args) == 2 {
		name = args[1]
	}

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "memory" {
		return fmt.Errorf("storage.backend is memory; nothing would persist")
	}

	level := "warn"
	if flagVerbose {
		level = "debug"
	}
	log := logger.New(level)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	factory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer factory.Close()

	storage, err := backup.NewFileStorage(cfg.Backup.Dir)
	if err != nil {
		return err
	}
	restore := devicebackup.NewRestoreService(backup.NewBackupService(storage, ""), factory.CreateDeviceRepository(), log)
	result, err := restore.Restore(ctx, name)
	if err != nil {
		return err
	}

	ok.Printf("OK ")
	fmt.Printf("%s from %s\n", cfg.Storage.Backend, name)
	key.Printf("  restored: ")
	fmt.Println(result.Restored)
	key.Printf("  skipped:  ")
	fmt.Println(result.Skipped)
	return nil
}

func serverClient(baseURL string) (*client.Client, error) {
	if flagToken == "" {
		return nil, fmt.Errorf("an access token is required (--token or CAMRELAY_TOKEN)")
	}
	c := client.New(baseURL)
	c.SetToken(flagToken)
	return c, nil
}

func listSessions(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("sessions takes exactly one server url")
	}
	c, err := serverClient(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		printStatus(s)
	}
	return nil
}

func stopSession(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("stop takes a server url and a camera id")
	}
	c, err := serverClient(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	status, err := c.Stop(ctx, args[1])
	if err != nil {
		return err
	}
	printStatus(*status)
	return nil
}

func printStatus(s client.SessionStatus) {
	switch s.State {
	case "failed":
		fail.Printf("%-10s ", s.State)
	case "streaming":
		ok.Printf("%-10s ", s.State)
	default:
		fmt.Printf("%-10s ", s.State)
	}
	fmt.Printf("%s", s.CameraID)
	key.Printf("  frames: ")
	fmt.Printf("%d/%d", s.FramesDelivered, s.FramesDropped)
	if s.ErrorKind != "" {
		key.Printf("  error: ")
		fmt.Printf("%s", s.ErrorKind)
	}
	fmt.Println()
}
