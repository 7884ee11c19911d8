package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(store *memStore, gw Gateway) *AdjudicationEngine {
	e := NewAdjudicationEngine(store, gw, staticAlias("Dread"), 0.72, zap.NewNop())
	e.now = func() time.Time { return testEpoch }
	e.randFloat = func() float64 { return 0.9 }
	e.randIntn = func(n int) int { return 0 }
	return e
}

func seedAnsweredToken(store *memStore, id, chainID, recipient string, mode ChainMode, text string, usedAt time.Time) {
	store.InsertToken(&SessionToken{
		ID: id, ChainID: chainID, Recipient: recipient, Mode: mode,
		SentAt: testEpoch, Used: true, UsedAt: &usedAt, Response: &text,
	})
}

func TestAdjudicateMirroredScoresAndPicksWinner(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)
	e.randFloat = func() float64 { return 0.95 } // none tier

	seedChain(store, "c1", ModeMirrored, "alice", "bob")
	seedAnsweredToken(store, "t1", "c1", "alice", ModeMirrored, "i am ashamed, i regret it", testEpoch)
	seedToken(store, "t2", "c1", "bob", ModeMirrored, testEpoch, nil) // no-show

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.Equal(t, ChainAdjudicated, ch.Status)
	require.NotNil(t, ch.Verdict)
	v := ch.Verdict
	assert.Equal(t, "alice", v.Winner)
	assert.Equal(t, "bob", v.Loser)
	assert.Equal(t, RevealNone, v.Tier)
	require.Len(t, v.Entries, 2)
	assert.True(t, v.Entries[0].Answered)
	assert.Positive(t, v.Entries[0].Score)
	assert.False(t, v.Entries[1].Answered)
	assert.Zero(t, v.Entries[1].Score)

	// Winner line plus the closing line, each to both participants.
	msgs := gw.messages()
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[0].Body, "leaned nearest the abyss")
	assert.Contains(t, msgs[0].Body, MaskIdentity("alice"))
	assert.NotContains(t, msgs[0].Body, "alice", "identities go out masked")
}

func TestAdjudicateMirroredTieKeepsSlotOrder(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, &fakeGateway{})

	seedChain(store, "c1", ModeMirrored, "alice", "bob")
	seedToken(store, "t1", "c1", "alice", ModeMirrored, testEpoch, nil)
	seedToken(store, "t2", "c1", "bob", ModeMirrored, testEpoch, nil)

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.NotNil(t, ch.Verdict)
	assert.Equal(t, "alice", ch.Verdict.Winner, "double no-show ties at zero, first slot wins")
	assert.Equal(t, "bob", ch.Verdict.Loser)
}

func TestAdjudicateMirroredRevealTiers(t *testing.T) {
	cases := []struct {
		roll float64
		tier RevealTier
	}{
		{0.0, RevealBoth},
		{0.549, RevealBoth},
		{0.55, RevealWinner},
		{0.849, RevealWinner},
		{0.85, RevealNone},
	}
	for _, tc := range cases {
		store := newMemStore()
		gw := &fakeGateway{}
		e := newTestEngine(store, gw)
		e.randFloat = func() float64 { return tc.roll }

		seedChain(store, "c1", ModeMirrored, "alice", "bob")
		seedAnsweredToken(store, "t1", "c1", "alice", ModeMirrored, "i hid it, i'm sorry", testEpoch)
		seedAnsweredToken(store, "t2", "c1", "bob", ModeMirrored, "fine", testEpoch)

		e.Adjudicate("c1")

		ch, _ := store.GetChain("c1")
		require.NotNil(t, ch.Verdict, "roll %v", tc.roll)
		assert.Equal(t, tc.tier, ch.Verdict.Tier, "roll %v", tc.roll)

		msgs := gw.messages()
		switch tc.tier {
		case RevealBoth:
			assert.Len(t, msgs, 6, "winner line + two quoted answers, broadcast to two")
		case RevealWinner:
			assert.Len(t, msgs, 4)
			assert.Contains(t, msgs[2].Body, "stays withheld")
		case RevealNone:
			assert.Len(t, msgs, 4)
			assert.Contains(t, msgs[2].Body, "The chain rests")
		}
	}
}

func TestAdjudicateMirroredCollapsedRecipient(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, &fakeGateway{})
	e.randFloat = func() float64 { return 0.9 }

	// Selector collapse: one participant holds both slots and both tokens.
	seedChain(store, "c1", ModeMirrored, "alice", "alice")
	seedAnsweredToken(store, "t1", "c1", "alice", ModeMirrored, "i regret everything about me", testEpoch)
	seedToken(store, "t2", "c1", "alice", ModeMirrored, testEpoch, nil)

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.NotNil(t, ch.Verdict)
	require.Len(t, ch.Verdict.Entries, 2, "one entry per slot even when identity repeats")
	assert.True(t, ch.Verdict.Entries[0].Answered)
	assert.False(t, ch.Verdict.Entries[1].Answered)
	assert.Equal(t, "alice", ch.Verdict.Winner)
	assert.Equal(t, "alice", ch.Verdict.Loser)
}

func TestAdjudicateSingleRevealForwardsAnswer(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)
	e.randFloat = func() float64 { return 0.1 } // under reveal prob

	store.InsertChain(&Chain{
		ID: "c1", Question: "what did you bury?",
		Participants: []string{"alice", "bob", "carol"},
		Status:       ChainAwaitingAnswers, Mode: ModeSingle,
		Recipients: []string{"bob"},
	})
	seedAnsweredToken(store, "t1", "c1", "bob", ModeSingle, "i buried the letters", testEpoch)

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.NotNil(t, ch.Verdict)
	assert.Equal(t, "bob", ch.Verdict.Actor)
	require.NotNil(t, ch.Verdict.Answer)
	assert.Equal(t, "i buried the letters", *ch.Verdict.Answer)

	// randIntn pinned to 0 picks the first non-actor participant.
	msgs := gw.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].To)
	assert.Contains(t, msgs[0].Body, "\"i buried the letters\"")
	assert.Contains(t, msgs[0].Body, MaskIdentity("bob"))
}

func TestAdjudicateSingleNoRevealSendsClosingLine(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)
	e.randFloat = func() float64 { return 0.9 } // over reveal prob

	store.InsertChain(&Chain{
		ID: "c1", Question: "q?", Participants: []string{"alice", "bob"},
		Status: ChainAwaitingAnswers, Mode: ModeSingle, Recipients: []string{"bob"},
	})
	seedAnsweredToken(store, "t1", "c1", "bob", ModeSingle, "never", testEpoch)

	e.Adjudicate("c1")

	msgs := gw.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].To)
	assert.Contains(t, msgs[0].Body, "Dread has heard enough")
}

func TestAdjudicateSingleSoleParticipantRevealGoesNowhere(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)
	e.randFloat = func() float64 { return 0.1 }

	store.InsertChain(&Chain{
		ID: "c1", Question: "q?", Participants: []string{"alice"},
		Status: ChainAwaitingAnswers, Mode: ModeSingle, Recipients: []string{"alice"},
	})
	seedAnsweredToken(store, "t1", "c1", "alice", ModeSingle, "only me", testEpoch)

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.NotNil(t, ch.Verdict, "verdict persists even when the reveal has no audience")
	assert.Empty(t, gw.messages())
}

func TestAdjudicateSingleNoAnswerStaysSilentToNobody(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)
	e.randFloat = func() float64 { return 0.1 }

	store.InsertChain(&Chain{
		ID: "c1", Question: "q?", Participants: []string{"alice", "bob"},
		Status: ChainAwaitingAnswers, Mode: ModeSingle, Recipients: []string{"bob"},
	})
	seedToken(store, "t1", "c1", "bob", ModeSingle, testEpoch, nil)

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.NotNil(t, ch.Verdict)
	assert.Equal(t, "bob", ch.Verdict.Actor)
	assert.Nil(t, ch.Verdict.Answer)

	// An empty answer never reveals; the silence earns the closing line.
	msgs := gw.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].To)
	assert.Contains(t, msgs[0].Body, "The chain rests")
}

func TestAdjudicateSinglePrefersLatestAnswer(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, &fakeGateway{})

	store.InsertChain(&Chain{
		ID: "c1", Question: "q?", Participants: []string{"alice"},
		Status: ChainAwaitingAnswers, Mode: ModeSingle, Recipients: []string{"alice"},
	})
	seedAnsweredToken(store, "t1", "c1", "alice", ModeSingle, "first", testEpoch)
	seedAnsweredToken(store, "t2", "c1", "alice", ModeSingle, "second", testEpoch.Add(5*time.Second))

	e.Adjudicate("c1")

	ch, _ := store.GetChain("c1")
	require.NotNil(t, ch.Verdict)
	require.NotNil(t, ch.Verdict.Answer)
	assert.Equal(t, "second", *ch.Verdict.Answer)
}

func TestAdjudicateRunsOnce(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	seedChain(store, "c1", ModeMirrored, "alice", "bob")
	seedAnsweredToken(store, "t1", "c1", "alice", ModeMirrored, "i'm sorry", testEpoch)
	seedAnsweredToken(store, "t2", "c1", "bob", ModeMirrored, "no", testEpoch)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Adjudicate("c1")
		}()
	}
	wg.Wait()

	ch, _ := store.GetChain("c1")
	adjudicated := 0
	for _, ev := range ch.Events {
		if ev.Type == "adjudicated" {
			adjudicated++
		}
	}
	assert.Equal(t, 1, adjudicated)
	assert.Len(t, gw.messages(), 4, "one delivery pass for the quorum trigger and its racers")
}

func TestAdjudicateUnknownOrFinishedChainIsNoop(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	e.Adjudicate("ghost")
	assert.Empty(t, gw.messages())

	store.InsertChain(&Chain{ID: "c1", Question: "q?", Status: ChainAdjudicated})
	e.Adjudicate("c1")
	assert.Empty(t, gw.messages())
}
