package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/dgraph-io/badger/v2"
	"github.com/google/uuid"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/urfave/cli/v2"

	"github.com/wardenmdm/warden/pkg/certificate"
	"github.com/wardenmdm/warden/pkg/client"
	"github.com/wardenmdm/warden/pkg/constant"
	"github.com/wardenmdm/warden/pkg/database"
	"github.com/wardenmdm/warden/pkg/dispatch"
	"github.com/wardenmdm/warden/pkg/executor"
	"github.com/wardenmdm/warden/pkg/policy"
	"github.com/wardenmdm/warden/pkg/scheduler"
	"github.com/wardenmdm/warden/pkg/secure"
	"github.com/wardenmdm/warden/pkg/signature"
	"github.com/wardenmdm/warden/pkg/store"
	"github.com/wardenmdm/warden/pkg/syncer"
	"github.com/wardenmdm/warden/pkg/telemetry"
	"github.com/wardenmdm/warden/pkg/wardenhttp"
)

var (
	// Flags set by goreleaser during build
	version = ""
	commit  = ""
	date    = ""
)

const correlationIDKey = "device/correlation-id"

func main() {
	app := cli.NewApp()
	app.Name = "Warden agent"
	app.Usage = "Device management agent"
	app.Commands = []*cli.Command{
		versionCommand,
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "root-dir",
			Usage:   "Root directory for agent state",
			Value:   "/var/lib/warden",
			EnvVars: []string{"WARDEN_ROOT_DIR"},
		},
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "URL (host:port) of the management server",
			EnvVars: []string{"WARDEN_SERVER_URL"},
		},
		&cli.StringFlag{
			Name:    "server-certificate",
			Usage:   "Path to server certificate bundle",
			EnvVars: []string{"WARDEN_SERVER_CERTIFICATE"},
		},
		&cli.BoolFlag{
			Name:    "insecure",
			Usage:   "Disable TLS certificate verification",
			EnvVars: []string{"WARDEN_INSECURE"},
		},
		&cli.StringFlag{
			Name:    "enroll-secret",
			Usage:   "Enroll secret for authenticating to the server",
			EnvVars: []string{"WARDEN_ENROLL_SECRET"},
		},
		&cli.StringFlag{
			Name:    "enroll-secret-path",
			Usage:   "Path to file containing enroll secret",
			EnvVars: []string{"WARDEN_ENROLL_SECRET_PATH"},
		},
		&cli.DurationFlag{
			Name:    "sync-interval",
			Usage:   "Heartbeat interval (lower bound 1m)",
			Value:   5 * time.Minute,
			EnvVars: []string{"WARDEN_SYNC_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "push-token",
			Usage:   "Push channel token to register with the server",
			EnvVars: []string{"WARDEN_PUSH_TOKEN"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug logging",
			EnvVars: []string{"WARDEN_DEBUG"},
		},
		&cli.BoolFlag{
			Name:  "version",
			Usage: "Get Warden version",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "Log to this file path in addition to stderr",
		},
	}
	app.Action = func(c *cli.Context) error {
		if c.Bool("version") {
			fmt.Println("warden " + version)
			return nil
		}

		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano, NoColor: true})
		if logfile := c.String("log-file"); logfile != "" {
			f, err := secure.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return errors.Wrap(err, "open logfile")
			}
			log.Logger = log.Output(zerolog.MultiLevelWriter(
				zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano, NoColor: true},
				zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339Nano, NoColor: true},
			))
		}
		zerolog.SetGlobalLevel(zerolog.InfoLevel)

		if c.Bool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		if c.Bool("insecure") && c.String("server-certificate") != "" {
			return errors.New("insecure and server-certificate may not be specified together")
		}

		if c.String("enroll-secret-path") != "" {
			if c.String("enroll-secret") != "" {
				return errors.New("enroll-secret and enroll-secret-path may not be specified together")
			}

			b, err := os.ReadFile(c.String("enroll-secret-path"))
			if err != nil {
				return errors.Wrap(err, "read enroll secret file")
			}

			if err := c.Set("enroll-secret", strings.TrimSpace(string(b))); err != nil {
				return errors.Wrap(err, "set enroll secret from file")
			}
		}

		serverURL := c.String("server-url")
		if serverURL == "" {
			return errors.New("server-url must be specified")
		}
		if !strings.HasPrefix(serverURL, "http") {
			serverURL = "https://" + serverURL
		}

		if err := secure.MkdirAll(c.String("root-dir"), constant.DefaultDirMode); err != nil {
			return errors.Wrap(err, "initialize root dir")
		}

		dbPath := filepath.Join(c.String("root-dir"), "warden.db")
		db, err := database.Open(dbPath)
		if err != nil {
			if errors.Is(err, badger.ErrTruncateNeeded) {
				db, err = database.OpenTruncate(dbPath)
				if err != nil {
					return err
				}
				log.Warn().Msg("Open badger required truncate. Data loss is possible.")
			} else {
				return err
			}
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Close badger")
			}
		}()

		httpOpts := []wardenhttp.ClientOpt{wardenhttp.WithTimeout(30 * time.Second)}
		switch {
		case c.Bool("insecure"):
			httpOpts = append(httpOpts, wardenhttp.WithInsecureSkipVerify())
			log.Warn().Msg("TLS certificate verification disabled")
		case c.String("server-certificate") != "":
			pool, err := certificate.LoadPEM(c.String("server-certificate"))
			if err != nil {
				return errors.Wrap(err, "load certificate")
			}
			if err := certificate.ValidateConnection(context.Background(), pool, serverURL); err != nil {
				log.Info().Err(err).Msg("Failed to connect to the server. Heartbeats may fail.")
			}
			httpOpts = append(httpOpts, wardenhttp.WithRootCA(pool))
		}
		httpClient := wardenhttp.NewClient(httpOpts...)

		apiClient, err := client.New(serverURL, client.WithHTTPClient(httpClient))
		if err != nil {
			return errors.Wrap(err, "create server client")
		}

		commands := store.NewCommandStore(db, clock.C)
		enrollment := store.NewEnrollmentStore(db)

		correlationID, err := loadCorrelationID(db)
		if err != nil {
			return errors.Wrap(err, "load correlation id")
		}

		enr, err := enrollment.Load()
		if err != nil {
			return errors.Wrap(err, "load enrollment")
		}
		if enr.Enrolled {
			apiClient.SetToken(enr.Token)
		} else {
			enrollSecret := c.String("enroll-secret")
			if enrollSecret == "" {
				return errors.New("enroll secret must be specified for initial enrollment")
			}
			if err := syncer.Enroll(apiClient, enrollment, deviceInfo(correlationID), enrollSecret, serverURL); err != nil {
				return errors.Wrap(err, "enroll device")
			}
		}

		exec := executor.New(filepath.Join(c.String("root-dir"), "staging"), httpClient)
		dispatcher := &dispatch.Dispatcher{
			Executor: exec,
			Reporter: apiClient,
			Store:    commands,
		}

		sched := scheduler.New(commands, dispatcher, apiClient, clock.C)
		dispatcher.Notifier = sched

		reconciler := policy.NewReconciler(executor.Device{})
		reconciler.Files = fileDeployer{exec}

		s := syncer.New(apiClient, enrollment, dispatcher, reconciler)
		s.Interval = c.Duration("sync-interval")
		s.CollectTelemetry = func() map[string]interface{} {
			t := telemetry.Collect(version)
			t["correlationId"] = correlationID
			return t
		}
		s.OnEnrollmentLost = func() {
			log.Warn().Msg("enrollment lost, the device must re-enroll")
		}
		dispatcher.SyncRequested = s.SyncNow
		dispatcher.PolicyReceived = func(doc map[string]interface{}) {
			if err := s.ApplyPolicy(doc); err != nil {
				log.Error().Err(err).Msg("apply pushed policy")
			}
		}
		if err := s.RestoreState(); err != nil {
			return errors.Wrap(err, "restore policy state")
		}

		if err := sched.Recover(); err != nil {
			return errors.Wrap(err, "recover command queue")
		}

		if pushToken := c.String("push-token"); pushToken != "" {
			go func() {
				if err := s.RegisterPushToken(apiClient, pushToken); err != nil {
					log.Error().Err(err).Msg("register push token")
				}
			}()
		}

		var g run.Group
		g.Add(s.Execute, s.Interrupt)
		g.Add(sched.Execute, sched.Interrupt)

		cleaner := store.NewCleaner(commands, clock.C)
		g.Add(cleaner.Execute, cleaner.Interrupt)

		// Install a signal handler
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g.Add(run.SignalHandler(ctx, os.Interrupt, os.Kill))

		if err := g.Run(); err != nil {
			log.Error().Err(err).Msg("unexpected exit")
		}

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("")
	}
}

// fileDeployer adapts the executor to the reconciler's file interface.
type fileDeployer struct {
	local *executor.Local
}

func (f fileDeployer) DeployFile(url, path, sha256 string, overwrite bool) error {
	return f.local.DeployFile(context.Background(), url, path, sha256, overwrite)
}

// loadCorrelationID returns the stable identifier this installation uses to
// correlate with the server, generating and persisting one on first run.
func loadCorrelationID(db *database.DB) (string, error) {
	raw, err := db.Get([]byte(correlationIDKey))
	if err != nil {
		return "", err
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.New().String()
	if err := db.Set([]byte(correlationIDKey), []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// deviceInfo gathers the identity fields signed into the enrollment
// request. On hosts without a hardware serial the correlation id stands in
// as the stable identifier.
func deviceInfo(correlationID string) signature.DeviceInfo {
	info := signature.DeviceInfo{AndroidID: correlationID}
	hi, err := host.Info()
	if err != nil {
		log.Debug().Err(err).Msg("collect host info")
		return info
	}
	info.Model = hi.Platform
	info.Manufacturer = hi.OS
	info.OSVersion = hi.PlatformVersion
	info.SerialNumber = hi.HostID
	return info
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Get the warden version",
	Flags: []cli.Flag{},
	Action: func(c *cli.Context) error {
		fmt.Println("warden " + version)
		fmt.Println("commit - " + commit)
		fmt.Println("date - " + date)
		return nil
	},
}
