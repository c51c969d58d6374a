package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/anachak-go/internal/llm"
)

func TestSignedInTurnsAccumulateMemory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{
		scripts: []script{textReply("Hi Dara."), textReply("Try num banh chok.")},
		replies: []string{
			`{"facts":["name is Dara"],"preferences":[],"summary":"Dara said hello."}`,
			`{"facts":["name is Dara"],"preferences":["Khmer food"],"summary":"Dara asked for breakfast ideas."}`,
		},
	}
	a := newAgent(t, client, store)
	require.NoError(t, a.SignIn(ctx, "dara"))
	require.Nil(t, a.Profile())

	_, err := a.Send(ctx, Input{Text: "Hello, I'm Dara"})
	require.NoError(t, err)
	a.Wait()
	_, err = a.Send(ctx, Input{Text: "Breakfast ideas?"})
	require.NoError(t, err)
	a.Wait()

	p := a.Profile()
	require.NotNil(t, p)
	require.Equal(t, []string{"name is Dara"}, p.Facts)
	require.Equal(t, []string{"Khmer food"}, p.Preferences)
	require.Equal(t, "Dara said hello.\n- Dara asked for breakfast ideas.", p.Summary)

	stored, ok := store.GetProfile(ctx, "dara")
	require.True(t, ok)
	require.Equal(t, *p, stored)

	reqs := client.requests()
	require.NotContains(t, reqs[0].SystemInstruction, "Key Facts")
	require.Contains(t, reqs[1].SystemInstruction, "Key Facts: name is Dara")

	client.mu.Lock()
	extraction := llm.TextOf(client.jsonReqs[1].Contents[0])
	client.mu.Unlock()
	require.Contains(t, extraction, `User said: "Breakfast ideas?"`)
	require.Contains(t, extraction, `You responded: "Try num banh chok."`)
}

func TestAnonymousTurnsSkipMemory(t *testing.T) {
	client := &mockLLM{scripts: []script{textReply("hello")}}
	a := newAgent(t, client, newStore(t))

	_, err := a.Send(context.Background(), Input{Text: "hi"})
	require.NoError(t, err)
	a.Wait()
	require.Empty(t, client.jsonReqs)
}

func TestMemoryFailureDoesNotSurface(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{scripts: []script{textReply("hello")}}
	a := newAgent(t, client, store)
	require.NoError(t, a.SignIn(ctx, "u1"))

	msg, err := a.Send(ctx, Input{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Content)
	a.Wait()

	_, ok := store.GetProfile(ctx, "u1")
	require.False(t, ok)
	require.Nil(t, a.Profile())
}

func TestSignInLoadsAndClearMemoryDeletes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{
		scripts: []script{textReply("noted")},
		replies: []string{`{"facts":["likes tea"],"preferences":[],"summary":"s"}`},
	}
	a := newAgent(t, client, store)
	require.NoError(t, a.SignIn(ctx, "u1"))
	_, err := a.Send(ctx, Input{Text: "I like tea"})
	require.NoError(t, err)
	a.Wait()

	a.SignOut()
	require.Nil(t, a.Profile())
	require.Empty(t, a.User())

	require.NoError(t, a.SignIn(ctx, "u1"))
	require.NotNil(t, a.Profile())
	require.True(t, strings.Contains(a.persona.Build(a.Profile()), "likes tea"))

	require.NoError(t, a.ClearMemory(ctx))
	require.Nil(t, a.Profile())
	_, ok := store.GetProfile(ctx, "u1")
	require.False(t, ok)

	require.Error(t, a.SignIn(ctx, ""))
}

func TestClearMemoryDropsInFlightUpdate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{
		scripts: []script{textReply("noted"), textReply("hello again")},
		replies: []string{
			`{"facts":["likes tea"],"preferences":[],"summary":"before clear"}`,
			`{"facts":["likes coffee"],"preferences":[],"summary":"after clear"}`,
		},
		jsonStarted: make(chan struct{}, 1),
		jsonGate:    make(chan struct{}),
	}
	a := newAgent(t, client, store)
	require.NoError(t, a.SignIn(ctx, "u1"))

	_, err := a.Send(ctx, Input{Text: "I like tea"})
	require.NoError(t, err)
	<-client.jsonStarted

	require.NoError(t, a.ClearMemory(ctx))
	close(client.jsonGate)
	a.Wait()

	_, ok := store.GetProfile(ctx, "u1")
	require.False(t, ok, "cleared profile must not come back")
	require.Nil(t, a.Profile())

	_, err = a.Send(ctx, Input{Text: "I like coffee now"})
	require.NoError(t, err)
	<-client.jsonStarted
	a.Wait()

	p, ok := store.GetProfile(ctx, "u1")
	require.True(t, ok)
	require.Equal(t, []string{"likes coffee"}, p.Facts)
	require.Equal(t, "after clear", p.Summary)
	require.Equal(t, p, *a.Profile())
}
