package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestS3KeyJoinsWithForwardSlashes(t *testing.T) {
	key := s3Key("backups", "acme", "workers", "vmstate.bin")
	assert.Equal(t, "backups/acme/workers/vmstate.bin", key)
}

func TestS3KeyEmptyPrefix(t *testing.T) {
	key := s3Key("", "acme", "workers", "meta.json")
	assert.Equal(t, "acme/workers/meta.json", key)
}
