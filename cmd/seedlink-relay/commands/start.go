// Copyright © 2024 The seedlink-relay authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nlseis/seedlink-relay/pkg/relay"
	"github.com/nlseis/seedlink-relay/pkg/seedlink"
)

var log *logrus.Logger

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the SeedLink relay",
	Run:   runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "127.0.0.1:8087", "Bind the relay to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().IntP("heartbeat-interval", "t", 60, "How often clients should be pinged in seconds")
	viper.BindPFlag("server.heartbeatInterval", startCmd.Flags().Lookup("heartbeat-interval"))
	startCmd.Flags().BoolP("debug", "d", false, "Expose full diagnostic detail in error replies, and log at debug level")
	viper.BindPFlag("server.debug", startCmd.Flags().Lookup("debug"))
}

func runServer(cmd *cobra.Command, args []string) {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	debug := viper.GetBool("server.debug")
	if debug {
		log.Level = logrus.DebugLevel
	} else {
		log.Level = logrus.InfoLevel
	}

	var channels []seedlink.ChannelConfig
	if err := viper.UnmarshalKey("channels", &channels); err != nil {
		log.Fatalf("Cannot read channel configuration: %s", err)
	}

	srv, err := relay.NewServer(relay.Config{
		Bind:              bindAddr(),
		HeartbeatInterval: viper.GetDuration("server.heartbeatInterval") * time.Second,
		Debug:             debug,
		Channels:          channels,
		NewSource: func(cfg seedlink.ChannelConfig) (relay.ChannelSource, error) {
			return seedlink.NewSource(cfg, log)
		},
	}, log)
	if err != nil {
		log.Fatalf("Cannot start the relay: %s", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		srv.Shutdown()
	}()

	log.Info("Starting seedlink-relay")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

// bindAddr resolves the listen address; SEEDLINK_HOST and
// SEEDLINK_PORT override the configured host and port.
func bindAddr() string {
	bind := viper.GetString("server.bind")
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return bind // Let the listener report the bad address.
	}

	if env := os.Getenv("SEEDLINK_HOST"); env != "" {
		host = env
	}
	if env := os.Getenv("SEEDLINK_PORT"); env != "" {
		port = env
	}

	return net.JoinHostPort(host, port)
}
