package salesforce

import (
	"net/http"
	"testing"

	"github.com/sigmavirus24/gobayeux/v3/extensions/replay"
)

func TestStaticTokenAuthenticator(t *testing.T) {
	testCases := []struct {
		name              string
		url               string
		token             string
		domains           []string
		expectedCallCount int
		shouldErr         bool
	}{
		{"Empty Token", "https://login.salesforce.com", "", nil, 0, true},
		{"Non-empty Token", "https://login.salesforce.com", "token", nil, 1, false},
		{"My Domain instance", "https://example.my.salesforce.com/cometd/59.0", "token", nil, 1, false},
		{"Force.com site", "https://example.force.com", "token", nil, 1, false},
		{"Lookalike domain", "https://notsalesforce.com", "token", nil, 0, false},
		{"Request to something other than Salesforce", "https://github.com", "token", nil, 0, false},
		{"Custom domain", "https://bayeux.example.com", "token", []string{"example.com"}, 1, false},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(testCase.name, func(t *testing.T) {
			trt := &TestRoundTripper{ExpectedToken: tc.token}
			sta := &StaticTokenAuthenticator{
				Token:     tc.token,
				Transport: trt,
				Domains:   tc.domains,
			}
			req, _ := http.NewRequest("GET", tc.url, nil)
			_, err := sta.RoundTrip(req)
			if tc.shouldErr {
				if err == nil {
					t.Fatal("expected an error but received none")
				}
			}
			if err != nil && !tc.shouldErr {
				t.Fatalf("didn't expect an error but received one: %q", err)
			}
			if want, got := tc.expectedCallCount, trt.CallCount; want != got {
				t.Fatalf("expected to have called underlying transport with auth %d times but called it %d times", want, got)
			}
			if req.Header.Get("Authorization") != "" {
				t.Fatal("expected the original request to be left untouched")
			}
		})
	}
}

func TestStreamingURL(t *testing.T) {
	testCases := []struct {
		instance string
		version  string
		want     string
	}{
		{"https://example.my.salesforce.com", "", "https://example.my.salesforce.com/cometd/" + DefaultAPIVersion},
		{"https://example.my.salesforce.com/", "58.0", "https://example.my.salesforce.com/cometd/58.0"},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.want, func(t *testing.T) {
			if got := StreamingURL(tc.instance, tc.version); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("https://example.my.salesforce.com", "", "token", nil)
	if err != nil {
		t.Fatalf("didn't expect an error but received one: %q", err)
	}
	if want, got := "https://example.my.salesforce.com/cometd/"+DefaultAPIVersion, client.URL(); want != got {
		t.Errorf("expected URL %q, got %q", want, got)
	}
	config := client.Configuration()
	if !config.DisableWebSocket {
		t.Error("expected WebSocket to be disabled")
	}
	if config.AppendMessageTypeToURL {
		t.Error("expected the versioned endpoint not to get message types appended")
	}
	if _, ok := client.Extension(replay.ExtensionName).(*replay.Extension); !ok {
		t.Error("expected the replay extension to be registered")
	}
}

type TestRoundTripper struct {
	CallCount     int
	ExpectedToken string
}

// RoundTrip immplements the RoundTripper interface
func (t *TestRoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	if request.Header.Get("Authorization") == "Bearer "+t.ExpectedToken {
		t.CallCount++
	}
	return &http.Response{}, nil
}
