package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := New("system:gateway", "chat", map[string]interface{}{"text": "hello"})
	env.To = []string{"alice"}
	env.CorrelationID = []string{"prior-id"}

	data, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Protocol, got.Protocol)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, []string{"alice"}, got.To)
	assert.Equal(t, []string{"prior-id"}, got.CorrelationID)
	assert.Equal(t, "hello", got.Payload["text"])
}

func TestContextStringForm(t *testing.T) {
	raw := []byte(`{"protocol":"mew/v0.4","id":"e1","ts":"2026-01-02T03:04:05Z","from":"alice","kind":"chat","context":"sidebar"}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, env.Context)
	assert.Equal(t, "sidebar", env.Context.Topic)
	assert.Empty(t, env.Context.Operation)

	// Re-serialization preserves the string form.
	out, err := env.Encode()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "sidebar", m["context"])
}

func TestContextObjectForm(t *testing.T) {
	raw := []byte(`{"protocol":"mew/v0.4","id":"e2","ts":"2026-01-02T03:04:05Z","from":"alice","kind":"chat","context":{"operation":"push","correlation_id":"root"}}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, env.Context)
	assert.Equal(t, ContextPush, env.Context.Operation)
	assert.Equal(t, "root", env.Context.CorrelationID)

	out, err := env.Encode()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	ctx, ok := m["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "push", ctx["operation"])
	assert.Equal(t, "root", ctx["correlation_id"])
}

func TestStampPreservesSenderID(t *testing.T) {
	env := &Envelope{ID: "sender-chose-this", Kind: "chat"}
	env.Stamp()
	assert.Equal(t, "sender-chose-this", env.ID)
	assert.Equal(t, Protocol, env.Protocol)
	assert.False(t, env.TS.IsZero())

	blank := &Envelope{Kind: "chat"}
	blank.Stamp()
	assert.NotEmpty(t, blank.ID)
}

func TestBroadcastAndReferences(t *testing.T) {
	env := New("alice", "chat", nil)
	assert.True(t, env.Broadcast())
	env.To = []string{"bob"}
	assert.False(t, env.Broadcast())

	env.CorrelationID = []string{"a", "b"}
	assert.True(t, env.References("b"))
	assert.False(t, env.References("c"))
}

func TestIsSystemOrigin(t *testing.T) {
	assert.True(t, (&Envelope{From: GatewayID}).IsSystemOrigin())
	assert.True(t, (&Envelope{From: "system:monitor"}).IsSystemOrigin())
	assert.False(t, (&Envelope{From: "alice"}).IsSystemOrigin())
	assert.False(t, (&Envelope{From: "sys"}).IsSystemOrigin())
}

func TestIsStreamFrame(t *testing.T) {
	assert.True(t, IsStreamFrame([]byte("#stream-1#data")))
	assert.False(t, IsStreamFrame([]byte(`{"kind":"chat"}`)))
	assert.False(t, IsStreamFrame(nil))
}

func TestValidate(t *testing.T) {
	base := func() *Envelope {
		return &Envelope{
			Protocol: Protocol,
			ID:       "e1",
			TS:       time.Now().UTC(),
			From:     "alice",
			Kind:     "chat",
		}
	}

	t.Run("valid envelope passes", func(t *testing.T) {
		assert.Nil(t, Validate(base(), "alice", nil))
	})

	t.Run("wrong protocol is fatal", func(t *testing.T) {
		env := base()
		env.Protocol = "mew/v0.3"
		werr := Validate(env, "alice", nil)
		require.NotNil(t, werr)
		assert.Equal(t, ErrProtocolMismatch, werr.Code)
		assert.True(t, werr.Fatal)
	})

	t.Run("spoofed from is fatal", func(t *testing.T) {
		env := base()
		env.From = "mallory"
		werr := Validate(env, "alice", nil)
		require.NotNil(t, werr)
		assert.Equal(t, ErrUnauthorizedFrom, werr.Code)
		assert.True(t, werr.Fatal)
	})

	t.Run("missing fields are parse errors", func(t *testing.T) {
		for _, mutate := range []func(*Envelope){
			func(e *Envelope) { e.Kind = "" },
			func(e *Envelope) { e.ID = "" },
			func(e *Envelope) { e.TS = time.Time{} },
		} {
			env := base()
			mutate(env)
			werr := Validate(env, "alice", nil)
			require.NotNil(t, werr)
			assert.Equal(t, ErrParse, werr.Code)
			assert.False(t, werr.Fatal)
		}
	})

	t.Run("duplicate id is a parse error", func(t *testing.T) {
		seen := func(id string) bool { return id == "e1" }
		werr := Validate(base(), "alice", seen)
		require.NotNil(t, werr)
		assert.Equal(t, ErrParse, werr.Code)
		assert.False(t, werr.Fatal)
	})

	t.Run("unknown context operation is a parse error", func(t *testing.T) {
		env := base()
		env.Context = &Context{Operation: "merge"}
		werr := Validate(env, "alice", nil)
		require.NotNil(t, werr)
		assert.Equal(t, ErrParse, werr.Code)
	})

	t.Run("topic context needs no operation", func(t *testing.T) {
		env := base()
		env.Context = &Context{Topic: "sidebar"}
		assert.Nil(t, Validate(env, "alice", nil))
	})
}

func TestWireErrorPayload(t *testing.T) {
	werr := NewWireError(ErrOperationFailed, "no capability permits chat")
	werr.Detail = map[string]interface{}{"attempted_kind": "chat"}
	p := werr.Payload()
	assert.Equal(t, ErrOperationFailed, p["error"])
	assert.Equal(t, "no capability permits chat", p["message"])
	assert.Equal(t, "chat", p["attempted_kind"])
}
