package partial

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsValues(t *testing.T) {
	prev := Payload[int]{
		"a": Of(5),
		"b": Retry[int](),
		"c": Of(3),
	}
	refresh := Payload[int]{"b": Of(7)}

	got := Merge(prev, refresh)

	assert.Equal(t, Payload[int]{"a": Of(5), "b": Of(7), "c": Of(3)}, got)
	assert.Equal(t, Retry[int](), prev["b"], "inputs are not modified")
}

func TestMergeNeverDowngradesValue(t *testing.T) {
	prev := Payload[int]{"a": Of(5), "b": {State: Missing}}
	refresh := Payload[int]{"a": Retry[int](), "b": Retry[int]()}

	got := Merge(prev, refresh)

	assert.Equal(t, Of(5), got["a"])
	assert.Equal(t, Pending, got["b"].State)
}

func TestMergeReplacesValueWithNewValue(t *testing.T) {
	got := Merge(Payload[int]{"a": Of(5)}, Payload[int]{"a": Of(6)})
	assert.Equal(t, Of(6), got["a"])
}

func TestZeroIsAValue(t *testing.T) {
	p := Payload[int]{"pts": Of(0), "ast": Retry[int]()}

	assert.Equal(t, []string{"ast"}, p.RetryKeys())
	assert.False(t, p.Complete())
	assert.True(t, p.Complete("pts"))
}

func TestRetryKeys(t *testing.T) {
	p := New[float64]("c", "a")
	p["b"] = Of(1.5)

	assert.Equal(t, []string{"a", "c"}, p.RetryKeys())
	assert.Equal(t, []string{"a", "z"}, p.RetryKeys("z", "b", "a", "a"), "absent keys are missing")
	assert.Empty(t, p.RetryKeys("b"))
}

func TestValues(t *testing.T) {
	p := Payload[string]{"a": Of("x"), "b": Retry[string]()}
	assert.Equal(t, map[string]string{"a": "x"}, p.Values())
}

func TestPayloadJSON(t *testing.T) {
	p := Payload[int]{"a": Of(0), "b": Retry[int]()}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"state":"value","value":0},"b":{"state":"pending","value":0}}`, string(b))

	got, err := Decode[int](b)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = Decode[int]([]byte(`{"a":{"state":"bogus"}}`))
	assert.Error(t, err)

	empty, err := Decode[int]([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

func TestConcurrentMergesFromSnapshot(t *testing.T) {
	base := Payload[int]{"a": Of(5), "b": Retry[int](), "c": Of(3)}

	var wg sync.WaitGroup
	results := make([]Payload[int], 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Merge(base, Payload[int]{"b": Of(7)})
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, Of(5), r["a"])
		assert.Equal(t, Of(7), r["b"])
		assert.Equal(t, Of(3), r["c"])
	}
}
