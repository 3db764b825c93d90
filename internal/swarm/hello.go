package swarm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/hyproxy/internal/keys"
)

// hello is the first message sent each way on a new link.
type hello struct {
	Key   string `json:"key"`   // node identity, hex
	Topic string `json:"topic"` // discovery key, hex
}

func encodeHello(key, topic keys.Key) []byte {
	data, _ := json.Marshal(hello{Key: key.String(), Topic: topic.String()})
	return data
}

func decodeHello(data []byte) (key, topic keys.Key, err error) {
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return keys.Key{}, keys.Key{}, fmt.Errorf("invalid hello: %w", err)
	}
	if key, err = keys.Parse(h.Key); err != nil {
		return keys.Key{}, keys.Key{}, fmt.Errorf("invalid hello key: %w", err)
	}
	if topic, err = keys.Parse(h.Topic); err != nil {
		return keys.Key{}, keys.Key{}, fmt.Errorf("invalid hello topic: %w", err)
	}
	return key, topic, nil
}

var errShortEnvelope = errors.New("envelope too short")

// encodeEnvelope prefixes payload with its channel name:
//
//	uint16 BE name length | name | payload
func encodeEnvelope(name string, payload []byte) ([]byte, error) {
	if len(name) > 0xffff {
		return nil, fmt.Errorf("channel name of %d bytes too long", len(name))
	}
	buf := make([]byte, 2+len(name)+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(name)))
	copy(buf[2:], name)
	copy(buf[2+len(name):], payload)
	return buf, nil
}

// decodeEnvelope splits a link message. The payload aliases msg.
func decodeEnvelope(msg []byte) (name string, payload []byte, err error) {
	if len(msg) < 2 {
		return "", nil, errShortEnvelope
	}
	n := int(binary.BigEndian.Uint16(msg))
	if len(msg) < 2+n {
		return "", nil, errShortEnvelope
	}
	return string(msg[2 : 2+n]), msg[2+n:], nil
}
