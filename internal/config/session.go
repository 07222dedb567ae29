package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewSessionID names one run: a UTC timestamp plus a short random suffix so
// two runs started within the same second still get distinct artifacts.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// ShardArtifactID names one shard's slice within a session. Fixed-width
// fields keep directory listings in fleet order.
func ShardArtifactID(session string, startID, count int) string {
	return fmt.Sprintf("%s-s%05d-n%05d", session, startID, count)
}

// ShardID names a shard in the global collector.
func ShardID(startID, count int) string {
	return fmt.Sprintf("%05d:%05d", startID, count)
}
