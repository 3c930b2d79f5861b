// Package gobayeux provides a client for servers implementing the Bayeux
// Protocol, such as CometD or the Salesforce Streaming API.
//
// The best way to create a client is with `NewClient`. Provided a server
// address for the server you're using, you can create a client like so
//
//	serverAddress := "https://localhost:8080/cometd"
//	client, err := gobayeux.NewClient(serverAddress)
//
// The client negotiates WebSocket first and falls back to long-polling. You
// can also register custom HTTP transports with your client
//
//	transport := &http.Transport{
//		DialContext: (&net.Dialer{
//			Timeout:   3 * time.Second,
//			KeepAlive: 10 * time.Second,
//		}).DialContext,
//	}
//	client, err := gobayeux.NewClient(serverAddress, gobayeux.WithHTTPTransport(transport))
//
// Settings can be loaded from a TOML file with LoadConfiguration and given
// with WithConfiguration.
//
// Handshake opens the session. The client then keeps a /meta/connect
// outstanding, following the advice of the server, and handshakes again
// when the session is lost. Every operation returns once it is queued; its
// outcome is delivered to the callback it was given
//
//	err := client.Handshake(nil, func(m *gobayeux.Message) {
//		if err := gobayeux.ReplyError(m); err != nil {
//			log.Print(err)
//		}
//	})
//
// You can subscribe to a Bayeux Channel with a callback receiving its
// messages. Subscriptions are dropped when the client handshakes again; the
// /meta/handshake reply then has Reestablish set and is the place to
// subscribe again
//
//	sub, err := client.Subscribe("/example/channel", func(m *gobayeux.Message) {
//		log.Printf("%s: %s", m.Channel, m.Data)
//	}, nil, nil)
//
// Listeners added with AddListener see the messages of a channel, including
// meta channels, without a subscription being sent to the server.
//
// You can also register extensions that you'd like to use with the server
// by implementing the MessageExtender interface and then passing it to the
// client. Returning false drops the message.
//
//	type Example struct {}
//	func (e *Example) Registered(name string, client *gobayeux.Client) {}
//	func (e *Example) Unregistered() {}
//	func (e *Example) Outgoing(m *gobayeux.Message) bool {
//		switch m.Channel {
//		case gobayeux.MetaHandshake:
//			ext := m.GetExt(true)
//			ext["example"] = true
//		}
//		return true
//	}
//	func (e *Example) Incoming(m *gobayeux.Message) bool { return true }
//
//	err := client.RegisterExtension("example", &Example{})
//
// The extensions directory holds ready made extensions: ack, binary,
// replay, timestamp and timesync, and a Salesforce Streaming API client.
package gobayeux
