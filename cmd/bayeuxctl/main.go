package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
	"github.com/sigmavirus24/gobayeux/v3/extensions/ack"
	"github.com/sigmavirus24/gobayeux/v3/extensions/binary"
	"github.com/sigmavirus24/gobayeux/v3/extensions/replay"
	"github.com/sigmavirus24/gobayeux/v3/extensions/salesforce"
	"github.com/sigmavirus24/gobayeux/v3/extensions/timestamp"
	"github.com/sigmavirus24/gobayeux/v3/extensions/timesync"
)

// app holds the flags shared by every command
type app struct {
	ConfigPath       string
	URL              string
	LogLevel         string
	DisableWebSocket bool
	MetricsAddress   string
	Timeout          time.Duration

	SalesforceAPI string
	AccessToken   string
	ReplayFrom    int

	Ack       bool
	Timesync  bool
	Timestamp bool
	Binary    bool

	// httpTransport replaces the network when set
	httpTransport http.RoundTripper
	registry      *prometheus.Registry
	logger        *logrus.Logger
	timesync      *timesync.Extension
	replayStore   *replay.MapStorage
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bayeuxctl",
		Short: "Talk to a Bayeux (CometD) server from the command line",
		Long: `bayeuxctl opens a Bayeux session to subscribe to channels, publish
messages or call remote services.

Settings are read from the TOML file given with --config and may be
overridden with flags. Salesforce Streaming API sessions are opened with
--salesforce-api and --token.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.logger = logrus.New()
			a.logger.SetOutput(cmd.ErrOrStderr())
			a.logger.SetLevel(parseLevel(a.LogLevel))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.ConfigPath, "config", "c", "", "TOML configuration file")
	flags.StringVar(&a.URL, "url", "", "the Bayeux server URL, or the instance URL with --salesforce-api")
	flags.StringVar(&a.LogLevel, "loglevel", "error", "the level to log at")
	flags.BoolVar(&a.DisableWebSocket, "disable-websocket", false, "only use the long-polling transport")
	flags.StringVar(&a.MetricsAddress, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.DurationVar(&a.Timeout, "timeout", 10*time.Second, "how long to wait for a reply")
	flags.StringVar(&a.SalesforceAPI, "salesforce-api", "", "connect to the Salesforce Streaming API of this version")
	flags.StringVar(&a.AccessToken, "token", "", "the Salesforce access token")
	flags.IntVar(&a.ReplayFrom, "replay-from", replay.ReplayNewEvents, "the Salesforce replay id to subscribe from")
	flags.BoolVar(&a.Ack, "ack", false, "enable the acknowledge extension")
	flags.BoolVar(&a.Timesync, "timesync", false, "enable the timesync extension")
	flags.BoolVar(&a.Timestamp, "timestamp", false, "enable the timestamp extension")

	rootCmd.AddCommand(
		subscribeCmd(a),
		publishCmd(a),
		callCmd(a),
	)

	return rootCmd
}

func parseLevel(name string) logrus.Level {
	switch name {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		// Let's just skip panic as an option here
		return logrus.FatalLevel
	}
}

func (a *app) configuration() (bayeux.Configuration, error) {
	config := bayeux.DefaultConfiguration()
	if a.ConfigPath != "" {
		var err error
		if config, err = bayeux.LoadConfiguration(a.ConfigPath); err != nil {
			return bayeux.Configuration{}, err
		}
	}
	if a.URL != "" {
		config.URL = a.URL
	}
	if a.DisableWebSocket {
		config.DisableWebSocket = true
	}
	return config, nil
}

// newClient builds the client the flags describe, with its extensions
// registered
func (a *app) newClient() (*bayeux.Client, error) {
	config, err := a.configuration()
	if err != nil {
		return nil, err
	}

	opts := []bayeux.Option{bayeux.WithLogger(a.logger)}
	if a.MetricsAddress != "" {
		a.registry = prometheus.NewRegistry()
		opts = append(opts, bayeux.WithMetrics(bayeux.MetricsConfig{Registry: a.registry}))
	}

	var client *bayeux.Client
	if a.SalesforceAPI != "" {
		if config.URL == "" {
			return nil, fmt.Errorf("--url must name the Salesforce instance")
		}
		a.replayStore = replay.NewMapStorage()
		authenticator := &salesforce.StaticTokenAuthenticator{Token: a.AccessToken, Transport: a.httpTransport}
		opts = append(opts, bayeux.WithHTTPTransport(authenticator))
		client, err = salesforce.NewClient(config.URL, a.SalesforceAPI, a.AccessToken, a.replayStore, opts...)
	} else {
		opts = append(opts, bayeux.WithConfiguration(config))
		if a.httpTransport != nil {
			opts = append(opts, bayeux.WithHTTPTransport(a.httpTransport))
		}
		client, err = bayeux.NewClient("", opts...)
	}
	if err != nil {
		return nil, err
	}

	for _, ext := range a.extensions() {
		if err := client.RegisterExtension(ext.name, ext.extender); err != nil {
			return nil, err
		}
	}

	return client, nil
}

type namedExtension struct {
	name     string
	extender bayeux.MessageExtender
}

// extensions lists the extensions the flags enable in the order they are
// registered, which is the order outgoing messages go through them
func (a *app) extensions() []namedExtension {
	var extensions []namedExtension
	if a.Ack {
		extensions = append(extensions, namedExtension{ack.ExtensionName, ack.New()})
	}
	if a.Timesync {
		a.timesync = timesync.New(0)
		extensions = append(extensions, namedExtension{timesync.ExtensionName, a.timesync})
	}
	if a.Timestamp {
		extensions = append(extensions, namedExtension{timestamp.ExtensionName, timestamp.New()})
	}
	if a.Binary {
		extensions = append(extensions, namedExtension{binary.ExtensionName, binary.New()})
	}
	return extensions
}

// awaitReply calls send with a callback and waits for its first message
func awaitReply(ctx context.Context, timeout time.Duration, send func(bayeux.MessageCallback) error) (*bayeux.Message, error) {
	replies := make(chan *bayeux.Message, 1)
	err := send(func(m *bayeux.Message) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *app) handshake(ctx context.Context, client *bayeux.Client) error {
	reply, err := awaitReply(ctx, a.Timeout, func(callback bayeux.MessageCallback) error {
		return client.Handshake(nil, callback)
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := bayeux.ReplyError(reply); err != nil {
		_ = client.Disconnect(nil, nil)
		return err
	}
	logger := a.logger.WithField("client_id", client.ClientID())
	if t := client.Transport(); t != nil {
		logger = logger.WithField("transport", t.Type())
	}
	logger.Info("connected")
	return nil
}

// disconnect ends the session, waiting for the reply so that the server
// forgets the client
func (a *app) disconnect(client *bayeux.Client) {
	if client.IsDisconnected() {
		return
	}
	reply, err := awaitReply(context.Background(), a.Timeout, func(callback bayeux.MessageCallback) error {
		return client.Disconnect(nil, callback)
	})
	if err != nil {
		a.logger.WithError(err).Warn("could not disconnect")
		return
	}
	if err := bayeux.ReplyError(reply); err != nil {
		a.logger.WithError(err).Warn("could not disconnect")
	}
	if a.timesync != nil {
		a.logger.WithFields(logrus.Fields{
			"network_lag": a.timesync.NetworkLag(),
			"time_offset": a.timesync.TimeOffset(),
		}).Info("time synchronization")
	}
}
