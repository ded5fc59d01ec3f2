package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/legacy-protocol/go-legacy/db/badgerdb"
	"github.com/legacy-protocol/go-legacy/node"
)

var (
	config       = flag.String("config", "/tmp/legacy_node/config", "Config directory")
	dbDir        = flag.String("db", "/tmp/legacy_node/db", "Chain DB directory")
	bootstrap    = flag.Bool("bootstrap", false, "Create genesis blocks for configured shards")
	genesisValue = flag.Uint64("genesisvalue", 1000000, "Genesis allocation per shard when bootstrapping")
)

func main() {
	flag.Parse()
	log.Logger = log.With().Caller().Logger()
	viper.AddConfigPath(*config)
	viper.SetConfigName("parameters")
	viper.MergeInConfig()
	viper.SetConfigName("shards")
	viper.MergeInConfig()

	database, err := badgerdb.NewDB(*dbDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open chain database")
		os.Exit(1)
	}

	n, err := node.NewNode(database)
	if err != nil {
		log.Error().Err(err).Msg("Failed to assemble node")
		os.Exit(1)
	}
	if *bootstrap {
		if err := n.Bootstrap(*genesisValue, time.Now().Unix()); err != nil {
			log.Error().Err(err).Msg("Failed to bootstrap shard chains")
			os.Exit(1)
		}
	}
	n.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	n.Stop()
	database.Close()
}
