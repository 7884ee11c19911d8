package services

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRecipientsSolo(t *testing.T) {
	got := SelectRecipients([]string{"a", "b", "c"}, false, func(n int) int { return 1 })
	assert.Equal(t, []string{"b"}, got)
}

func TestSelectRecipientsMirroredNeverIdentical(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	participants := []string{"a", "b", "c", "d"}
	for i := 0; i < 500; i++ {
		got := SelectRecipients(participants, true, rng.Intn)
		require.Len(t, got, 2)
		require.NotEqual(t, got[0], got[1])
	}
}

func TestSelectRecipientsMirroredCollapsesWithOneParticipant(t *testing.T) {
	got := SelectRecipients([]string{"solo"}, true, func(n int) int { return 0 })
	assert.Equal(t, []string{"solo", "solo"}, got)
}

func TestSelectRecipientsEmpty(t *testing.T) {
	assert.Nil(t, SelectRecipients(nil, true, func(n int) int { return 0 }))
}
