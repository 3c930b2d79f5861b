package gobayeux

import "strings"

// Channel represents a Bayeux Channel which is defined as "a string that
// looks like a URL path such as `/foo/bar`, `/meta/connect`, or
// `/service/chat`."
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels
type Channel string

const (
	// MetaHandshake is the Channel for the first message a new client sends.
	MetaHandshake Channel = "/meta/handshake"
	// MetaConnect is the Channel used for connect messages after a successful
	// handshake.
	MetaConnect Channel = "/meta/connect"
	// MetaDisconnect is the Channel used for disconnect messages.
	MetaDisconnect Channel = "/meta/disconnect"
	// MetaSubscribe is the Channel used by a client to subscribe to channels.
	MetaSubscribe Channel = "/meta/subscribe"
	// MetaUnsubscribe is the Channel used by a client to unsubscribe to
	// channels.
	MetaUnsubscribe Channel = "/meta/unsubscribe"
	// MetaPublish is a local-only Channel. Listeners added to it are notified
	// of the replies to every publish.
	MetaPublish Channel = "/meta/publish"
	// MetaUnsuccessful is a local-only Channel. Listeners added to it are
	// notified of every failed meta or publish reply, including the ones the
	// client synthesizes for transport failures.
	MetaUnsuccessful Channel = "/meta/unsuccessful"
)

// ChannelType is used to define the three types of channels:
// - meta channels, channels starting with `/meta/`
// - service channels, channels starting with `/service/`
// - broadcast channels, all other channels
type ChannelType string

const (
	// MetaChannel represents the `/meta/` channel type
	MetaChannel ChannelType = "meta"
	// ServiceChannel represents the `/service/` channel type
	ServiceChannel ChannelType = "service"
	// BroadcastChannel represents all other channels
	BroadcastChannel ChannelType = "broadcast"
)

const (
	metaPrefix    string = "/meta/"
	servicePrefix string = "/service/"
)

// Type provides the type of Channel this struct represents
func (c Channel) Type() ChannelType {
	s := string(c)
	switch {
	case strings.HasPrefix(s, metaPrefix):
		return MetaChannel
	case strings.HasPrefix(s, servicePrefix):
		return ServiceChannel
	default:
		return BroadcastChannel
	}
}

// HasWildcard indicates whether the Channel ends with * or **
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels_wild
func (c Channel) HasWildcard() bool {
	return strings.HasSuffix(string(c), "/*") || strings.HasSuffix(string(c), "/**")
}

// IsValid does its best to check the validity of a Channel. A valid channel
// starts with a slash, has no empty segments and only carries a wildcard as
// its last segment.
func (c Channel) IsValid() bool {
	s := string(c)
	if len(s) < 2 || s[0] != '/' {
		return false
	}
	segments := strings.Split(s[1:], "/")
	for i, segment := range segments {
		switch {
		case segment == "":
			return false
		case strings.Contains(segment, "*"):
			if i != len(segments)-1 || (segment != "*" && segment != "**") {
				return false
			}
		}
	}
	return true
}

// Wildcards returns the wildcard channels that match this Channel, from the
// most specific to the least specific. For `/a/b/c` that is `/a/b/*`,
// `/a/b/**`, `/a/**` and `/**`.
func (c Channel) Wildcards() []Channel {
	s := string(c)
	parts := strings.Split(s, "/")
	last := len(parts) - 1
	if last < 1 {
		return nil
	}
	wildcards := make([]Channel, 0, last+1)
	for i := last; i > 0; i-- {
		prefix := strings.Join(parts[:i], "/") + "/"
		if i == last {
			wildcards = append(wildcards, Channel(prefix+"*"))
		}
		wildcards = append(wildcards, Channel(prefix+"**"))
	}
	return wildcards
}

// Match checks if a given Channel matches this Channel.
// Note wildcards are only valid after the last /.
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels_wild
func (c Channel) Match(other Channel) bool {
	return c.MatchString(string(other))
}

// MatchString checks if a given string matches this Channel.
// Note wildcards are only valid after the last /.
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels_wild
func (c Channel) MatchString(other string) bool {
	if c.HasWildcard() {
		return c.matchAgainstWildcards(other)
	}
	return string(c) == other
}

func (c Channel) matchAgainstWildcards(other string) bool {
	self := string(c)
	index := strings.LastIndexByte(self, '/')
	if index == -1 {
		return false
	}
	// keep the trailing slash so /foo/* does not match /foobar/baz
	prefix := self[:index+1]
	if !strings.HasPrefix(other, prefix) || len(other) == len(prefix) {
		return false
	}

	rest := other[len(prefix):]
	switch self[index+1:] {
	case "*":
		return !strings.Contains(rest, "/")
	case "**":
		return true
	default:
		return false
	}
}
