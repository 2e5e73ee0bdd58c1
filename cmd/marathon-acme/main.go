package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jmhodges/clock"

	"github.com/praekeltfoundation/marathon-acme/acme"
	"github.com/praekeltfoundation/marathon-acme/certstore"
	"github.com/praekeltfoundation/marathon-acme/challenge"
	"github.com/praekeltfoundation/marathon-acme/cmd"
	"github.com/praekeltfoundation/marathon-acme/httpclient"
	blog "github.com/praekeltfoundation/marathon-acme/log"
	"github.com/praekeltfoundation/marathon-acme/marathon"
	"github.com/praekeltfoundation/marathon-acme/marathonlb"
	"github.com/praekeltfoundation/marathon-acme/metrics/measured_http"
	"github.com/praekeltfoundation/marathon-acme/service"
	"github.com/praekeltfoundation/marathon-acme/vault"
)

func main() {
	configFile := flag.String("config", "", "Path to the JSON configuration file")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")
	conf := c.MarathonAcme

	stats, logger := cmd.StatsAndLogging(c.Syslog)
	logger.Info(cmd.VersionString())

	if conf.DebugAddr != "" {
		go cmd.DebugServer(conf.DebugAddr, stats)
	}

	var clientOpts []httpclient.ClientOption
	if conf.HTTPTimeout.Duration != 0 {
		clientOpts = append(clientOpts, httpclient.WithTimeout(conf.HTTPTimeout.Duration))
	}

	store := makeStore(conf.Store, logger)

	responder := challenge.NewHTTP01Responder(logger, stats)
	mux := http.NewServeMux()
	mux.Handle(challenge.WellKnownPath, responder.Handler())
	challengeSrv := &http.Server{
		Addr:    conf.ListenAddress,
		Handler: measured_http.New(mux, clock.New(), stats),
	}
	go func() {
		err := challengeSrv.ListenAndServe()
		cmd.FailOnError(err, "Challenge responder server failed")
	}()

	issuer, err := acme.NewClient(conf.ACME.DirectoryURL, responder, conf.ACME.Email, logger)
	cmd.FailOnError(err, "Constructing ACME client")

	var opts []service.Option
	if conf.EventTypes != nil {
		opts = append(opts, service.WithEventTypes(conf.EventTypes))
	}
	if conf.SyncInterval.Duration != 0 {
		opts = append(opts, service.WithSyncInterval(conf.SyncInterval.Duration))
	}

	ma := service.New(
		marathon.New(conf.MarathonURL, logger, clientOpts...),
		conf.Group,
		store,
		marathonlb.New(conf.LbEndpoints, logger, clientOpts...),
		issuer,
		logger,
		stats,
		opts...,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go cmd.CatchSignals(logger, cancel)

	err = ma.Run(ctx)
	if err != nil && err != context.Canceled {
		cmd.FailOnError(err, "marathon-acme service failed")
	}
	logger.Info("Exiting")
}

// makeStore builds the configured certificate store back-end.
func makeStore(conf cmd.StoreConfig, logger blog.Logger) certstore.Store {
	switch conf.Backend {
	case "", "memory":
		logger.Warning("Using the in-memory certificate store; certificates will be re-issued on restart")
		return certstore.NewMemoryStore()
	case "vault":
		var client vault.Client
		var err error
		if conf.Vault.Address != "" {
			var tlsConfig *vault.TLSConfig
			if conf.Vault.CACertFile != "" || conf.Vault.ClientCertFile != "" ||
				conf.Vault.ClientKeyFile != "" || conf.Vault.ServerName != "" {
				tlsConfig = &vault.TLSConfig{
					CACertFile:     conf.Vault.CACertFile,
					ClientCertFile: conf.Vault.ClientCertFile,
					ClientKeyFile:  conf.Vault.ClientKeyFile,
					ServerName:     conf.Vault.ServerName,
				}
			}
			client, err = vault.New(conf.Vault.Address, string(conf.Vault.Token), tlsConfig)
		} else {
			client, err = vault.FromEnv(vault.EnvFromOS(os.Environ()))
		}
		cmd.FailOnError(err, "Constructing Vault client")
		return certstore.NewVaultStore(client, conf.Vault.MountPath, logger)
	case "redis":
		return certstore.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: string(conf.Redis.Password),
			DB:       conf.Redis.DB,
		}))
	default:
		cmd.FailOnError(fmt.Errorf("unknown backend %q", conf.Backend), "Configuring certificate store")
		return nil
	}
}
