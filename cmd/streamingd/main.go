package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	streaming "github.com/go-i2p/go-overlay-streaming"
)

const streamingdVersion = "0.1.0"

func main() {
	usage := `streamingd.

Usage:
    streamingd serve [--config=<path>] [--data-dir=<dir>]
    streamingd genkey --data-dir=<dir>

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    Path to a TOML config file.
    --data-dir=<dir>   Directory holding local destination .dat files.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], streamingdVersion)
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if genkey, _ := opts.Bool("genkey"); genkey {
		genKey(opts)
		return
	}

	if serve, _ := opts.Bool("serve"); serve {
		serveDaemon(opts)
		return
	}
}

func loadConfig(opts docopt.Opts) *streaming.Config {
	cfg := streaming.DefaultConfig()

	if path, err := opts.String("--config"); err == nil && path != "" {
		loaded, err := streaming.LoadConfig(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		cfg = loaded
	}
	if dir, err := opts.String("--data-dir"); err == nil && dir != "" {
		cfg.DataDir = dir
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return cfg
}

// genKey generates a fresh local destination identity and writes it
// to a new .dat file in the given data directory, for operators
// provisioning a destination before starting the daemon.
func genKey(opts docopt.Opts) {
	dir, err := opts.String("--data-dir")
	if err != nil || dir == "" {
		log.Fatal().Msg("--data-dir is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	signer, err := streaming.NewDSASigner()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate destination")
	}

	hash := signer.Identity().Hash()
	path := filepath.Join(dir, hash.String()+".dat")
	if err := streaming.SaveLocalDestination(signer, path); err != nil {
		log.Fatal().Err(err).Msg("failed to save destination")
	}

	log.Info().Str("path", path).Str("destination", hash.String()).Msg("generated local destination")
}

// serveDaemon starts a registry against an in-process loopback
// network, since this daemon has no real tunnel-routed substrate to
// bind to; it is meant for local smoke testing of the streaming layer
// rather than production deployment, which would supply real
// TunnelPool/LeaseSetDB/GarlicWrapper implementations from the
// embedding router.
func serveDaemon(opts docopt.Opts) {
	cfg := loadConfig(opts)

	network := streaming.NewLoopbackNetwork()

	registry, err := streaming.NewStreamingRegistry(
		cfg,
		func(hops int) streaming.TunnelPool { return network.NewTunnelPool() },
		network.LeaseSetDB(),
		network.GarlicWrapper(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct registry")
	}

	if err := registry.Start(); err != nil {
		log.Error().Err(err).Msg("errors while starting registry")
	}
	defer registry.Stop()

	shared := registry.GetSharedLocalDestination()
	network.Register(shared.GetIdentHash(), registry)

	shared.SetAcceptor(func(s *streaming.Stream) {
		log.Info().Str("stream", s.String()).Msg("accepted incoming stream")
	})

	log.Info().Str("destination", shared.GetIdentHash().String()).Msg("streamingd running")

	for {
		time.Sleep(time.Hour)
	}
}
