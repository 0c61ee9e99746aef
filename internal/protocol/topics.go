package protocol

import "strings"

// DefaultTopicPrefix keeps topic names compatible with existing deployments.
const DefaultTopicPrefix = "sd/"

// Topics maps message kinds to bus topic names.
type Topics struct {
	prefix string
}

func NewTopics(prefix string) Topics {
	return Topics{prefix: prefix}
}

func (t Topics) Prefix() string { return t.prefix }

// Name returns the topic a kind is published on.
func (t Topics) Name(kind Kind) string {
	return t.prefix + string(kind)
}

// All returns the five subscribed topics.
func (t Topics) All() []string {
	out := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, t.Name(k))
	}
	return out
}

// KindOf resolves a topic name back to its kind.
func (t Topics) KindOf(topic string) (Kind, bool) {
	name, ok := strings.CutPrefix(topic, t.prefix)
	if !ok {
		return "", false
	}
	for _, k := range Kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}
