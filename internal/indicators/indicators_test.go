package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMASeededWithFirstClose(t *testing.T) {
	got := EMASeries([]float64{10, 13, 16}, 5)
	// alpha = 1/3
	assert.InDelta(t, 10.0, got[0], 1e-9)
	assert.InDelta(t, 11.0, got[1], 1e-9)
	assert.InDelta(t, 12.6666666667, got[2], 1e-9)
}

func TestEMAPeekDoesNotMutate(t *testing.T) {
	e := NewEMA(5)
	e.Update(10)
	assert.InDelta(t, 11.0, e.Peek(13), 1e-9)
	assert.Equal(t, 10.0, e.Value())
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, 5, NewEMA(0).Period)
}

// Closes from the classic Wilder RSI worked example.
var wilderCloses = []float64{
	44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
	45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28, 46.00,
	46.03, 46.41, 46.22, 45.64,
}

func TestRSINullUntilFifteenCloses(t *testing.T) {
	values, ok := RSISeries(wilderCloses, 14)
	for i := 0; i < 14; i++ {
		assert.False(t, ok[i], "index %d", i)
	}
	require.True(t, ok[14])
	assert.InDelta(t, 70.46, values[14], 0.01)
	assert.InDelta(t, 66.25, values[15], 0.01)
	assert.InDelta(t, 66.48, values[16], 0.01)
	assert.InDelta(t, 69.35, values[17], 0.01)
}

func TestRSIPeekMatchesUpdate(t *testing.T) {
	r := NewRSI(14)
	for _, c := range wilderCloses[:15] {
		r.Update(c)
	}
	peek, ok := r.Peek(wilderCloses[15])
	require.True(t, ok)
	count := r.Count

	got, _ := r.Update(wilderCloses[15])
	assert.InDelta(t, got, peek, 1e-12)
	assert.Equal(t, count+1, r.Count)
}

func TestRSIFlatSeries(t *testing.T) {
	r := NewRSI(3)
	for i := 0; i < 4; i++ {
		r.Update(100)
	}
	v, ok := r.Value()
	require.True(t, ok)
	assert.Equal(t, 50.0, v)

	up := NewRSI(3)
	for _, c := range []float64{1, 2, 3, 4} {
		up.Update(c)
	}
	v, _ = up.Value()
	assert.Equal(t, 100.0, v)
}

func TestSetProvisional(t *testing.T) {
	s := NewSet(5, 14)
	for _, c := range wilderCloses[:15] {
		s.Push(c)
	}
	before := s.Current()
	prov := s.Provisional(47)
	assert.Equal(t, before, s.Current())
	assert.Greater(t, prov.EMA, before.EMA)
	assert.True(t, prov.RSIReady)
}
