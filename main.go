package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/hashicorp/go-hclog"

	"github.com/nicholasjackson/iam-token-service/rbac"
	"github.com/nicholasjackson/iam-token-service/server"
	"github.com/nicholasjackson/iam-token-service/store"
	"github.com/nicholasjackson/iam-token-service/token"
)

var (
	flagConfigFile = flag.String("config-file", "", "Path to a configuration file")
	flagLogLevel   = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "iam-token-service",
		Level: hclog.LevelFromString(*flagLogLevel),
	})

	cfg, err := loadConfigFromFile(*flagConfigFile)
	if err != nil {
		log.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Error("loading AWS configuration", "error", err)
		os.Exit(1)
	}
	kmsClient := kms.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	registry, err := token.NewRegistry(cfg.Keys.Default, cfg.Keys.Regional, cfg.Keys.Secondary)
	if err != nil {
		log.Error("invalid signing key configuration", "error", err)
		os.Exit(1)
	}

	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	publisher, err := token.NewPublisher(ctx, kmsClient, registry, token.DiscoveryConfig{
		Issuer:        issuer,
		TokenEndpoint: issuer + "/token",
		JWKSURI:       issuer + "/.well-known/jwks.json",
	}, log)
	if err != nil {
		log.Error("publishing signing keys", "error", err)
		os.Exit(1)
	}

	repository := rbac.NewRepository(store.NewDynamoStore(dynamoClient, cfg.Table, log), log)

	srv, err := server.New(server.Config{
		Repository:      repository,
		Signer:          token.NewSigner(kmsClient, registry, issuer, log),
		Publisher:       publisher,
		Verifier:        server.NewSTSVerifier(nil, log),
		Logger:          log,
		Issuer:          issuer,
		SelfResource:    cfg.SelfResource,
		DefaultResource: cfg.DefaultResource,
		Region:          cfg.Region,
		TokenTTL:        cfg.TokenTTL,
	})
	if err != nil {
		log.Error("configuring server", "error", err)
		os.Exit(1)
	}

	log.Info("listening", "address", cfg.ListenAddress, "issuer", issuer)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
