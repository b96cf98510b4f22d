package realtime

import (
	"regexp"
	"strings"
)

// TopicSyncPrefix namespaces the per-store cross-window sync topics.
const TopicSyncPrefix = "terminals.sync."

var storeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// SyncTopic returns the topic windows sharing store publish on.
func SyncTopic(store string) string {
	return TopicSyncPrefix + store
}

func IsSupportedTopic(topic string) bool {
	name, ok := strings.CutPrefix(topic, TopicSyncPrefix)
	return ok && storeNamePattern.MatchString(name)
}
