package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

func subscribeCmd(a *app) *cobra.Command {
	var count int
	var buffer int

	cmd := &cobra.Command{
		Use:   "subscribe CHANNEL...",
		Short: "Print the messages published on channels",
		Long: `Subscribe to every channel and print the messages received, one JSON
object per line, until interrupted or until --count messages arrived.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			if a.MetricsAddress != "" {
				serveMetrics(ctx, g, a.MetricsAddress, a.registry, client, a.logger)
			}

			if err := a.handshake(ctx, client); err != nil {
				return err
			}
			defer a.disconnect(client)

			output := make(chan *bayeux.Message, buffer)
			listener := func(m *bayeux.Message) {
				select {
				case output <- m:
				case <-ctx.Done():
				}
			}
			failures := make(chan error, len(args))
			subscribeAll := func() error {
				for _, name := range args {
					if a.replayStore != nil {
						if _, ok := a.replayStore.Get(name); !ok {
							a.replayStore.Set(name, a.ReplayFrom)
						}
					}
					_, err := client.Subscribe(bayeux.Channel(name), listener, nil, func(m *bayeux.Message) {
						if err := bayeux.ReplyError(m); err != nil {
							select {
							case failures <- err:
							default:
							}
						}
					})
					if err != nil {
						return err
					}
				}
				return nil
			}
			if err := subscribeAll(); err != nil {
				return err
			}
			_, err = client.AddListener(bayeux.MetaHandshake, func(m *bayeux.Message) {
				if !m.Successful || !m.Reestablish {
					return
				}
				a.logger.Info("session re-established, subscribing again")
				if err := subscribeAll(); err != nil {
					a.logger.WithError(err).Error("could not subscribe again")
				}
			})
			if err != nil {
				return err
			}

			g.Go(func() error {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				received := 0
				for {
					select {
					case <-ctx.Done():
						return nil
					case err := <-failures:
						return err
					case m := <-output:
						a.logger.WithFields(logrus.Fields{
							"channel": m.Channel,
							"data":    string(m.Data),
						}).Debug("received")
						if err := encoder.Encode(m); err != nil {
							return err
						}
						received++
						if count > 0 && received >= count {
							return errDone
						}
					}
				}
			})

			if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages (0 for no limit)")
	cmd.Flags().IntVar(&buffer, "buffer", 100, "the number of messages to buffer")

	return cmd
}

func publishCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish CHANNEL DATA",
		Short: "Publish a message on a channel",
		Long: `Publish DATA on CHANNEL. DATA is sent as is when it is valid JSON and as
a JSON string otherwise. With --binary the bytes of DATA are published
through the binary extension.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := bayeux.Channel(args[0])
			return a.exchange(cmd, "publish", func(client *bayeux.Client, callback bayeux.MessageCallback) error {
				if a.Binary {
					return client.PublishBinary(channel, []byte(args[1]), true, nil, callback)
				}
				return client.Publish(channel, payload(args[1]), nil, callback)
			})
		},
	}

	cmd.Flags().BoolVar(&a.Binary, "binary", false, "publish DATA as binary")

	return cmd
}

func callCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call TARGET DATA",
		Short: "Call a remote service and print its response",
		Long: `Send DATA to the /service channel named by TARGET and print the data of
the response. With --binary the bytes of DATA are sent through the binary
extension and the response bytes are printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.exchange(cmd, "call", func(client *bayeux.Client, callback bayeux.MessageCallback) error {
				if a.Binary {
					return client.RemoteCallBinary(args[0], []byte(args[1]), true, nil, a.Timeout, callback)
				}
				return client.RemoteCall(args[0], payload(args[1]), a.Timeout, nil, callback)
			})
		},
	}

	cmd.Flags().BoolVar(&a.Binary, "binary", false, "send DATA as binary")

	return cmd
}

var errDone = errors.New("done")

// payload keeps valid JSON as is and quotes anything else
func payload(data string) interface{} {
	if json.Valid([]byte(data)) {
		return json.RawMessage(data)
	}
	return data
}

// exchange sends one message within a session and prints the data of its
// reply
func (a *app) exchange(cmd *cobra.Command, what string, send func(*bayeux.Client, bayeux.MessageCallback) error) error {
	client, err := a.newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.handshake(ctx, client); err != nil {
		return err
	}
	defer a.disconnect(client)

	reply, err := awaitReply(ctx, a.Timeout, func(callback bayeux.MessageCallback) error {
		return send(client, callback)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := bayeux.ReplyError(reply); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	out := cmd.OutOrStdout()
	if a.Binary && len(reply.Data) > 0 {
		bd, err := reply.BinaryData()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", bd.Data)
		return err
	}
	if len(reply.Data) > 0 {
		_, err = fmt.Fprintf(out, "%s\n", reply.Data)
	}
	return err
}
