// Package salesforce connects a gobayeux client to the Salesforce Streaming
// API.
package salesforce

import (
	"errors"
	"net/http"
	"strings"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
	"github.com/sigmavirus24/gobayeux/v3/extensions/replay"
)

// DefaultAPIVersion is the Streaming API version used when none is given
const DefaultAPIVersion = "59.0"

var defaultDomains = []string{"salesforce.com", "force.com"}

// StaticTokenAuthenticator adds your Salesforce Access Token to your
// requests
type StaticTokenAuthenticator struct {
	// Token is the string obtained either from the Salesforce CX CLI (for
	// example). You can also retrieve this by using the curl command on
	// https://developer.salesforce.com/docs/atlas.en-us.api_iot.meta/api_iot/qs_auth_access_token.htm
	Token string
	// Transport is any http transport that satisfies the http.RoundTripper
	// interface. http.DefaultTransport is used when it is nil.
	Transport http.RoundTripper
	// Domains are the host suffixes that receive the token. Defaults to
	// salesforce.com and force.com.
	Domains []string
}

// RoundTrip implements the RoundTripper interface
func (t *StaticTokenAuthenticator) RoundTrip(request *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if !t.authenticates(request.URL.Hostname()) {
		return transport.RoundTrip(request)
	}
	if t.Token == "" {
		return nil, errors.New("no Token provided to authenticator transport")
	}

	newRequest := deepCopyRequestWitHeaders(request)
	newRequest.Header.Set("Authorization", "Bearer "+t.Token)
	return transport.RoundTrip(newRequest)
}

func (t *StaticTokenAuthenticator) authenticates(host string) bool {
	domains := t.Domains
	if len(domains) == 0 {
		domains = defaultDomains
	}
	for _, domain := range domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func deepCopyRequestWitHeaders(request *http.Request) *http.Request {
	newRequest := request.Clone(request.Context())
	newRequest.Header = make(http.Header, len(request.Header))
	for header, values := range request.Header {
		newRequest.Header[header] = append([]string(nil), values...)
	}
	return newRequest
}

// StreamingURL is the CometD endpoint of a Salesforce instance, e.g.
// https://example.my.salesforce.com/cometd/59.0
func StreamingURL(instanceURL, apiVersion string) string {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return strings.TrimSuffix(instanceURL, "/") + "/cometd/" + apiVersion
}

// NewClient creates a client for the Streaming API of the instance. Every
// request carries token and the replay extension is registered, keeping its
// replay ids in store (a fresh MapStorage when nil). Salesforce only
// speaks long-polling so WebSocket is disabled. opts are applied after the
// authenticating transport and may replace it.
func NewClient(instanceURL, apiVersion, token string, store replay.IDStorer, opts ...bayeux.Option) (*bayeux.Client, error) {
	config := bayeux.DefaultConfiguration()
	config.URL = StreamingURL(instanceURL, apiVersion)
	config.DisableWebSocket = true

	options := append([]bayeux.Option{
		bayeux.WithConfiguration(config),
		bayeux.WithHTTPTransport(&StaticTokenAuthenticator{Token: token}),
	}, opts...)
	client, err := bayeux.NewClient("", options...)
	if err != nil {
		return nil, err
	}
	if err := client.RegisterExtension(replay.ExtensionName, replay.New(store)); err != nil {
		return nil, err
	}
	return client, nil
}
