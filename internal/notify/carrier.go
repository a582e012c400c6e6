package notify

import (
	"github.com/segmentio/kafka-go"
)

// HeaderCarrier adapts kafka message headers to the OpenTelemetry
// TextMapCarrier interface so trace context survives the broker hop.
type HeaderCarrier struct {
	msg *kafka.Message
}

// NewHeaderCarrier wraps a kafka message for context propagation.
func NewHeaderCarrier(msg *kafka.Message) *HeaderCarrier {
	return &HeaderCarrier{msg: msg}
}

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
