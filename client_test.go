package gobayeux_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sigmavirus24/gobayeux/v3"
	"github.com/sigmavirus24/gobayeux/v3/internal/gobayeuxtest"
)

func startServer(t *testing.T, opts ...gobayeuxtest.ServerOpts) *gobayeuxtest.Server {
	t.Helper()
	server := gobayeuxtest.NewServer(t, opts...)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start test server (%v)", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(context.Background()); err != nil {
			t.Errorf("failed to stop test server (%v)", err)
		}
	})
	return server
}

func testConfiguration() gobayeux.Configuration {
	config := gobayeux.DefaultConfiguration()
	config.DisableWebSocket = true
	config.BackoffIncrement = 10 * time.Millisecond
	config.MaxNetworkDelay = 2 * time.Second
	return config
}

func newTestClient(t *testing.T, server *gobayeuxtest.Server, opts ...gobayeux.Option) *gobayeux.Client {
	t.Helper()
	opts = append([]gobayeux.Option{
		gobayeux.WithConfiguration(testConfiguration()),
		gobayeux.WithHTTPTransport(server),
	}, opts...)
	client, err := gobayeux.NewClient("https://example.com/cometd", opts...)
	if err != nil {
		t.Fatalf("failed to create client (%v)", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(nil, nil)
	})
	return client
}

func await(t *testing.T, ch <-chan *gobayeux.Message) *gobayeux.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a message")
		return nil
	}
}

func handshake(t *testing.T, client *gobayeux.Client) *gobayeux.Message {
	t.Helper()
	replies := make(chan *gobayeux.Message, 1)
	if err := client.Handshake(nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to handshake (%v)", err)
	}
	m := await(t, replies)
	if !m.Successful {
		t.Fatalf("expected a successful handshake but got %+v", m)
	}
	return m
}

func TestNewClient(t *testing.T) {
	testCases := []struct {
		name          string
		serverAddress string
		shouldErr     bool
	}{
		{"valid url for server address", "https://example.com", false},
		{"invalid url for server address", "http://192.168.0.%31/", true},
		{"missing server address", "", true},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			_, err := gobayeux.NewClient(tc.serverAddress)
			if err != nil && !tc.shouldErr {
				t.Errorf("expected NewClient() to not return an err but it did, %q", err)
			} else if tc.shouldErr && err == nil {
				t.Error("expected NewClient() to err but it didn't")
			}
		})
	}
}

func TestNewClient_Transports(t *testing.T) {
	client, err := gobayeux.NewClient("https://example.com")
	if err != nil {
		t.Fatalf("expected a working client but got an err %q", err)
	}
	types := client.TransportTypes()
	if len(types) != 2 || types[0] != gobayeux.ConnectionTypeWebSocket || types[1] != gobayeux.ConnectionTypeLongPolling {
		t.Errorf("expected websocket then long-polling but got %v", types)
	}
	if client.Status() != gobayeux.StatusDisconnected || !client.IsDisconnected() {
		t.Errorf("expected a new client to be disconnected but got %q", client.Status())
	}
}

func TestHandshake(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)

	connected := make(chan *gobayeux.Message, 1)
	if _, err := client.AddListener(gobayeux.MetaConnect, func(m *gobayeux.Message) {
		select {
		case connected <- m:
		default:
		}
	}); err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}

	m := handshake(t, client)
	if m.ClientID == "" || client.ClientID() != m.ClientID {
		t.Errorf("expected the client to store clientId %q but got %q", m.ClientID, client.ClientID())
	}
	if m.Reestablish {
		t.Error("expected a first handshake not to be reestablished")
	}
	if got := client.Transport().Type(); got != gobayeux.ConnectionTypeLongPolling {
		t.Errorf("expected long-polling to be negotiated but got %q", got)
	}

	if m := await(t, connected); !m.Successful {
		t.Errorf("expected a successful connect but got %+v", m)
	}
	if client.Status() != gobayeux.StatusConnected {
		t.Errorf("expected status %q but got %q", gobayeux.StatusConnected, client.Status())
	}

	var stateErr *gobayeux.BadHandshakeError
	if err := client.Handshake(nil, nil); !errors.As(err, &stateErr) {
		t.Errorf("expected a BadHandshakeError but got %v", err)
	}
}

func TestHandshake_HTTPError(t *testing.T) {
	server := startServer(t, gobayeuxtest.WithHandshakeError(true))
	client := newTestClient(t, server)

	replies := make(chan *gobayeux.Message, 1)
	if err := client.Handshake(nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to handshake (%v)", err)
	}
	m := await(t, replies)
	if m.Successful || m.Failure == nil {
		t.Fatalf("expected a failed handshake but got %+v", m)
	}
	if m.Failure.HTTPCode != 400 {
		t.Errorf("expected http code 400 but got %d", m.Failure.HTTPCode)
	}
	if m.Failure.Action != gobayeux.ReconnectHandshake {
		t.Errorf("expected the client to handshake again but got %q", m.Failure.Action)
	}

	var handshakeErr *gobayeux.HandshakeFailedError
	if err := gobayeux.ReplyError(m); !errors.As(err, &handshakeErr) {
		t.Errorf("expected a HandshakeFailedError but got %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)
	handshake(t, client)

	replies := make(chan *gobayeux.Message, 1)
	received := make(chan *gobayeux.Message, 4)
	sub, err := client.Subscribe("/foo/*", func(m *gobayeux.Message) { received <- m }, nil, func(m *gobayeux.Message) { replies <- m })
	if err != nil {
		t.Fatalf("failed to subscribe (%v)", err)
	}
	if sub.Channel() != "/foo/*" || sub.IsListener() {
		t.Errorf("unexpected subscription handle %+v", sub)
	}
	if m := await(t, replies); !m.Successful || m.Subscription != "/foo/*" {
		t.Fatalf("expected a successful subscription but got %+v", m)
	}

	server.Deliver("/foo/bar", json.RawMessage(`{"hello":"world"}`))
	m := await(t, received)
	if m.Channel != "/foo/bar" {
		t.Errorf("expected a message on /foo/bar but got %s", m.Channel)
	}
	var data map[string]string
	if err := m.DecodeData(&data); err != nil || data["hello"] != "world" {
		t.Errorf("unexpected data %s (%v)", m.Data, err)
	}

	unsubscribed := make(chan *gobayeux.Message, 1)
	if err := client.Unsubscribe(sub, nil, func(m *gobayeux.Message) { unsubscribed <- m }); err != nil {
		t.Fatalf("failed to unsubscribe (%v)", err)
	}
	if m := await(t, unsubscribed); !m.Successful {
		t.Errorf("expected a successful unsubscribe but got %+v", m)
	}
	if got := len(server.Received(gobayeux.MetaUnsubscribe)); got != 1 {
		t.Errorf("expected 1 /meta/unsubscribe but the server got %d", got)
	}
}

func TestSubscribe_Denied(t *testing.T) {
	server := startServer(t, gobayeuxtest.WithDeniedChannels("/secret"))
	client := newTestClient(t, server)
	handshake(t, client)

	unsuccessful := make(chan *gobayeux.Message, 1)
	if _, err := client.AddListener(gobayeux.MetaUnsuccessful, func(m *gobayeux.Message) { unsuccessful <- m }); err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}

	replies := make(chan *gobayeux.Message, 1)
	if _, err := client.Subscribe("/secret", func(*gobayeux.Message) {}, nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to subscribe (%v)", err)
	}
	m := await(t, replies)
	if m.Successful {
		t.Fatal("expected the subscription to be denied")
	}
	var subErr gobayeux.SubscriptionFailedError
	if err := gobayeux.ReplyError(m); !errors.As(err, &subErr) {
		t.Errorf("expected a SubscriptionFailedError but got %v", err)
	}
	parsed, err := m.ParseError()
	if err != nil || parsed.ErrorCode != 403 {
		t.Errorf("expected a 403 error but got %+v (%v)", parsed, err)
	}
	if m := await(t, unsuccessful); m.Channel != gobayeux.MetaSubscribe {
		t.Errorf("expected /meta/unsuccessful to see the subscribe reply but got %s", m.Channel)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)

	testCases := []struct {
		name     string
		channel  gobayeux.Channel
		callback gobayeux.MessageCallback
		err      error
	}{
		{"not connected", "/foo", func(*gobayeux.Message) {}, gobayeux.ErrClientNotConnected},
		{"missing callback", "/foo", nil, gobayeux.ErrMissingListener},
		{"invalid channel", "foo", func(*gobayeux.Message) {}, gobayeux.InvalidChannelError{Channel: "foo"}},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Subscribe(tc.channel, tc.callback, nil, nil)
			if !errors.Is(err, tc.err) {
				t.Errorf("expected %v but got %v", tc.err, err)
			}
		})
	}
}

func TestUnsubscribe_Validation(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)
	other := newTestClient(t, server)

	listener, err := client.AddListener("/foo", func(*gobayeux.Message) {})
	if err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}
	foreign, err := other.AddListener("/foo", func(*gobayeux.Message) {})
	if err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}

	testCases := []struct {
		name string
		sub  *gobayeux.Subscription
	}{
		{"nil subscription", nil},
		{"listener handle", listener},
		{"handle of another client", foreign},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			if err := client.Unsubscribe(tc.sub, nil, nil); err != gobayeux.ErrMissingSubscription {
				t.Errorf("expected ErrMissingSubscription but got %v", err)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)
	handshake(t, client)

	published := make(chan *gobayeux.Message, 1)
	if _, err := client.AddListener(gobayeux.MetaPublish, func(m *gobayeux.Message) { published <- m }); err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}

	replies := make(chan *gobayeux.Message, 1)
	if err := client.Publish("/chat", map[string]string{"text": "hi"}, nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to publish (%v)", err)
	}
	if m := await(t, replies); !m.Successful || m.Channel != "/chat" {
		t.Errorf("expected a successful publish but got %+v", m)
	}
	if m := await(t, published); m.Channel != "/chat" {
		t.Errorf("expected /meta/publish to see the reply but got %s", m.Channel)
	}

	msgs := server.Received("/chat")
	if len(msgs) != 1 || string(msgs[0].Data) != `{"text":"hi"}` {
		t.Errorf("unexpected messages on the server %+v", msgs)
	}
}

func TestPublish_Validation(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)

	testCases := []struct {
		name    string
		channel gobayeux.Channel
		err     error
	}{
		{"meta channel", gobayeux.MetaConnect, gobayeux.InvalidChannelError{Channel: gobayeux.MetaConnect}},
		{"wildcard channel", "/foo/*", gobayeux.InvalidChannelError{Channel: "/foo/*"}},
		{"invalid channel", "//foo", gobayeux.InvalidChannelError{Channel: "//foo"}},
		{"not connected", "/foo", gobayeux.ErrClientNotConnected},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			if err := client.Publish(tc.channel, nil, nil, nil); !errors.Is(err, tc.err) {
				t.Errorf("expected %v but got %v", tc.err, err)
			}
		})
	}
}

func TestRemoteCall(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)
	handshake(t, client)

	replies := make(chan *gobayeux.Message, 1)
	if err := client.RemoteCall("echo", map[string]int{"n": 42}, time.Second, nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to call (%v)", err)
	}
	m := await(t, replies)
	if !m.Successful || string(m.Data) != `{"n":42}` {
		t.Errorf("expected the echoed data but got %+v", m)
	}
}

func TestRemoteCall_Timeout(t *testing.T) {
	server := startServer(t, gobayeuxtest.WithSilentServices(true))
	client := newTestClient(t, server)
	handshake(t, client)

	replies := make(chan *gobayeux.Message, 1)
	if err := client.RemoteCall("/echo", nil, 50*time.Millisecond, nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to call (%v)", err)
	}
	m := await(t, replies)
	if m.Successful || m.Error != "406::timeout" {
		t.Errorf("expected a timeout but got %+v", m)
	}
	if m.Channel != "/service/echo" {
		t.Errorf("unexpected channel %s", m.Channel)
	}
}

func TestDisconnect(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)
	handshake(t, client)

	replies := make(chan *gobayeux.Message, 1)
	if err := client.Disconnect(nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to disconnect (%v)", err)
	}
	if m := await(t, replies); !m.Successful {
		t.Errorf("expected a successful disconnect but got %+v", m)
	}
	if client.Status() != gobayeux.StatusDisconnected || client.ClientID() != "" {
		t.Errorf("expected a terminated session but got %q/%q", client.Status(), client.ClientID())
	}
	if client.Transport() != nil {
		t.Error("expected the transport to be released")
	}
	if server.Sessions() != 0 {
		t.Errorf("expected the server to forget the session but it has %d", server.Sessions())
	}
	if err := client.Disconnect(nil, nil); err != gobayeux.ErrClientNotConnected {
		t.Errorf("expected ErrClientNotConnected but got %v", err)
	}

	// a client can start a new session once disconnected
	handshake(t, client)
}

func TestRehandshake(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, server)

	handshakes := make(chan *gobayeux.Message, 2)
	if _, err := client.AddListener(gobayeux.MetaHandshake, func(m *gobayeux.Message) { handshakes <- m }); err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}
	handshake(t, client)
	first := await(t, handshakes)

	server.DropSessions()

	second := await(t, handshakes)
	if !second.Successful || !second.Reestablish {
		t.Errorf("expected a reestablished session but got %+v", second)
	}
	if second.ClientID == first.ClientID {
		t.Error("expected a new clientId after the server dropped the session")
	}
}

func TestWebSocket(t *testing.T) {
	server := startServer(t)
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	config := gobayeux.DefaultConfiguration()
	config.MaxNetworkDelay = 2 * time.Second
	client, err := gobayeux.NewClient(httpServer.URL+"/cometd", gobayeux.WithConfiguration(config))
	if err != nil {
		t.Fatalf("failed to create client (%v)", err)
	}

	handshake(t, client)
	if got := client.Transport().Type(); got != gobayeux.ConnectionTypeWebSocket {
		t.Errorf("expected websocket to be negotiated but got %q", got)
	}

	replies := make(chan *gobayeux.Message, 1)
	received := make(chan *gobayeux.Message, 1)
	if _, err := client.Subscribe("/foo", func(m *gobayeux.Message) { received <- m }, nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to subscribe (%v)", err)
	}
	if m := await(t, replies); !m.Successful {
		t.Fatalf("expected a successful subscription but got %+v", m)
	}
	server.Deliver("/foo", json.RawMessage(`[1,2,3]`))
	if m := await(t, received); string(m.Data) != `[1,2,3]` {
		t.Errorf("unexpected data %s", m.Data)
	}

	disconnected := make(chan *gobayeux.Message, 1)
	if err := client.Disconnect(nil, func(m *gobayeux.Message) { disconnected <- m }); err != nil {
		t.Fatalf("failed to disconnect (%v)", err)
	}
	if m := await(t, disconnected); !m.Successful {
		t.Errorf("expected a successful disconnect but got %+v", m)
	}
}

func TestWebSocket_RemoteCall(t *testing.T) {
	server := startServer(t)
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	config := gobayeux.DefaultConfiguration()
	config.MaxNetworkDelay = 300 * time.Millisecond
	client, err := gobayeux.NewClient(httpServer.URL+"/cometd", gobayeux.WithConfiguration(config))
	if err != nil {
		t.Fatalf("failed to create client (%v)", err)
	}
	defer func() { _ = client.Disconnect(nil, nil) }()

	failures := make(chan *gobayeux.Message, 10)
	if _, err := client.AddListener(gobayeux.MetaUnsuccessful, func(m *gobayeux.Message) { failures <- m }); err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}
	handshake(t, client)
	if got := client.Transport().Type(); got != gobayeux.ConnectionTypeWebSocket {
		t.Fatalf("expected websocket to be negotiated but got %q", got)
	}

	replies := make(chan *gobayeux.Message, 2)
	if err := client.RemoteCall("echo", map[string]int{"a": 1}, 5*time.Second, nil, func(m *gobayeux.Message) { replies <- m }); err != nil {
		t.Fatalf("failed to call (%v)", err)
	}
	if m := await(t, replies); !m.Successful || string(m.Data) != `{"a":1}` {
		t.Fatalf("expected the echoed data but got %+v", m)
	}

	// outlive MaxNetworkDelay so a reply left pending would time out
	select {
	case m := <-failures:
		t.Fatalf("unexpected failure on %s: %+v", m.Channel, m.Failure)
	case m := <-replies:
		t.Fatalf("expected a single reply but got %+v", m)
	case <-time.After(time.Second):
	}
	if status := client.Status(); status != gobayeux.StatusConnected {
		t.Errorf("expected the session to stay connected but it is %s", status)
	}
}

func TestWebSocket_Fallback(t *testing.T) {
	server := startServer(t)
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	config := gobayeux.DefaultConfiguration()
	config.MaxNetworkDelay = 2 * time.Second
	config.URLs = map[string]string{
		gobayeux.ConnectionTypeWebSocket: "http://127.0.0.1:1/cometd",
	}

	renegotiated := make(chan [2]string, 1)
	client, err := gobayeux.NewClient(
		httpServer.URL+"/cometd",
		gobayeux.WithConfiguration(config),
		gobayeux.WithTransportFailureHandler(func(failure *gobayeux.Failure, oldType, newType string) {
			renegotiated <- [2]string{oldType, newType}
		}),
	)
	if err != nil {
		t.Fatalf("failed to create client (%v)", err)
	}
	defer func() { _ = client.Disconnect(nil, nil) }()

	handshakes := make(chan *gobayeux.Message, 2)
	if _, err := client.AddListener(gobayeux.MetaHandshake, func(m *gobayeux.Message) { handshakes <- m }); err != nil {
		t.Fatalf("failed to add listener (%v)", err)
	}
	if err := client.Handshake(nil, nil); err != nil {
		t.Fatalf("failed to handshake (%v)", err)
	}

	if m := await(t, handshakes); m.Successful {
		t.Fatal("expected the websocket handshake to fail")
	}
	select {
	case types := <-renegotiated:
		if types[0] != gobayeux.ConnectionTypeWebSocket || types[1] != gobayeux.ConnectionTypeLongPolling {
			t.Errorf("expected a switch from websocket to long-polling but got %v", types)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the transport to be renegotiated")
	}
	if m := await(t, handshakes); !m.Successful {
		t.Errorf("expected the long-polling handshake to succeed but got %+v", m)
	}
	if got := client.Transport().Type(); got != gobayeux.ConnectionTypeLongPolling {
		t.Errorf("expected long-polling but got %q", got)
	}
}
