package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
)

// Property keys understood by the memory and mock endpoint types.
const (
	PropPartitions     = "partitions"
	PropSupportedQoS   = "supportedQos"
	PropMessageContent = "messageContent"
	PropMessageCount   = "messageCount"
	PropHeaderPrefix   = "header."
	PropMetadataPrefix = "metadata."
)

// Factory returns a connector.Factory for the "memory" type. Every API
// shares b, so messages published to it are visible to all of them.
func Factory(b *Broker) connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		return shared{b}, nil
	}
}

// shared hides Close so that undeploying one API does not close the process
// wide broker.
type shared struct{ *Broker }

func (shared) Close() error { return nil }

// MockFactory returns a connector.Factory for the "mock" type: a bounded
// backend whose topics are seeded with messageCount messages built from
// messageContent, where "{n}" is replaced by the 1-based message number.
func MockFactory() connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		opts, err := mockOptions(cfg.Properties)
		if err != nil {
			return nil, connector.Configuration(err)
		}
		return New(opts...), nil
	}
}

func mockOptions(props map[string]string) ([]Option, error) {
	opts := []Option{WithType("mock"), WithBounded()}

	if v := props[PropPartitions]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %s %q", PropPartitions, v)
		}
		opts = append(opts, WithPartitions(n))
	}
	if v := props[PropSupportedQoS]; v != "" {
		set, err := parseQoSList(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSupportedQoS(set))
	}

	content := props[PropMessageContent]
	if content == "" {
		content = "message{n}"
	}
	count := 1
	if v := props[PropMessageCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s %q", PropMessageCount, v)
		}
		count = n
	}
	headers := map[string][]string{}
	metadata := map[string]string{}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch {
		case strings.HasPrefix(k, PropHeaderPrefix):
			headers[strings.TrimPrefix(k, PropHeaderPrefix)] = strings.Split(props[k], ",")
		case strings.HasPrefix(k, PropMetadataPrefix):
			metadata[strings.TrimPrefix(k, PropMetadataPrefix)] = props[k]
		}
	}

	opts = append(opts, WithSeed(func(topic string) []Message {
		out := make([]Message, count)
		for i := range out {
			out[i] = Message{
				Value:    []byte(strings.ReplaceAll(content, "{n}", strconv.Itoa(i+1))),
				Headers:  headers,
				Metadata: metadata,
			}
		}
		return out
	}))
	return opts, nil
}

func parseQoSList(v string) (qos.Set, error) {
	set := qos.NewSet()
	for _, name := range strings.Split(v, ",") {
		q, err := qos.Parse(name)
		if err != nil {
			return nil, err
		}
		set[q] = struct{}{}
	}
	return set, nil
}
