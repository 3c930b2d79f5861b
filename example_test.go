package gobayeux_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sigmavirus24/gobayeux/v3"
	"github.com/sigmavirus24/gobayeux/v3/internal/gobayeuxtest"
)

type stdLogger struct{}

func (stdLogger) Log(args ...any)                 { log.Print(args...) }
func (stdLogger) Logf(format string, args ...any) { log.Printf(format, args...) }

// exampleClient connects a long-polling client to an in-memory server
func exampleClient() (*gobayeux.Client, *gobayeuxtest.Server) {
	server := gobayeuxtest.NewServer(stdLogger{})
	if err := server.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	config := gobayeux.DefaultConfiguration()
	config.DisableWebSocket = true
	client, err := gobayeux.NewClient("https://example.com/cometd",
		gobayeux.WithConfiguration(config),
		gobayeux.WithHTTPTransport(server),
	)
	if err != nil {
		log.Fatal(err)
	}

	handshake := make(chan *gobayeux.Message, 1)
	if err := client.Handshake(nil, func(m *gobayeux.Message) { handshake <- m }); err != nil {
		log.Fatal(err)
	}
	if m := <-handshake; !m.Successful {
		log.Fatal(gobayeux.ReplyError(m))
	}
	return client, server
}

func ExampleNewClient() {
	client, err := gobayeux.NewClient("https://example.com/cometd")
	if err != nil {
		return
	}
	fmt.Println(client.TransportTypes())
	fmt.Println(client.Status())
	// Output:
	// [websocket long-polling]
	// disconnected
}

func ExampleClient_Subscribe() {
	client, server := exampleClient()
	defer func() { _ = server.Stop(context.Background()) }()
	defer func() { _ = client.Disconnect(nil, nil) }()

	received := make(chan *gobayeux.Message, 1)
	subscribed := make(chan *gobayeux.Message, 1)
	_, err := client.Subscribe("/chat/room",
		func(m *gobayeux.Message) { received <- m },
		nil,
		func(m *gobayeux.Message) { subscribed <- m },
	)
	if err != nil {
		return
	}
	if m := <-subscribed; !m.Successful {
		return
	}

	server.Deliver("/chat/room", json.RawMessage(`{"text":"hello"}`))
	m := <-received
	fmt.Println(m.Channel, string(m.Data))
	// Output:
	// /chat/room {"text":"hello"}
}

func ExampleClient_RemoteCall() {
	client, server := exampleClient()
	defer func() { _ = server.Stop(context.Background()) }()
	defer func() { _ = client.Disconnect(nil, nil) }()

	reply := make(chan *gobayeux.Message, 1)
	err := client.RemoteCall("echo", map[string]int{"n": 42}, time.Second, nil, func(m *gobayeux.Message) {
		reply <- m
	})
	if err != nil {
		return
	}

	m := <-reply
	fmt.Println(m.Successful, string(m.Data))
	// Output:
	// true {"n":42}
}

func ExampleClient_Batch() {
	client, server := exampleClient()
	defer func() { _ = server.Stop(context.Background()) }()
	defer func() { _ = client.Disconnect(nil, nil) }()

	replies := make(chan *gobayeux.Message, 2)
	callback := func(m *gobayeux.Message) { replies <- m }
	err := client.Batch(func() {
		_ = client.Publish("/foo", "one", nil, callback)
		_ = client.Publish("/bar", "two", nil, callback)
	})
	if err != nil {
		return
	}

	<-replies
	<-replies
	for _, m := range server.Received("") {
		if m.Channel.Type() != gobayeux.MetaChannel {
			fmt.Println(m.Channel, string(m.Data))
		}
	}
	// Output:
	// /foo "one"
	// /bar "two"
}
