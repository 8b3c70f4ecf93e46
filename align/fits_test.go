package align

import (
	"bytes"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFITS(t *testing.T) {
	pm := PowerMapResult{
		Status: StatusMapOK,
		XUM:    []float64{-1, 0, 1},
		YUM:    []float64{-0.5, 0.5},
		Power: [][]float64{
			{1, 2},
			{3, 4},
			{5, 6}}}

	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, pm))

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	hdr := f.HDU(0).Header()
	assert.Equal(t, []int{2, 3}, hdr.Axes())
	if c := hdr.Get("BUNIT"); assert.NotNil(t, c) {
		assert.Equal(t, "mW", c.Value)
	}
	if c := hdr.Get("XORIG"); assert.NotNil(t, c) {
		assert.Equal(t, -1.0, c.Value)
	}
	if c := hdr.Get("XSTEP"); assert.NotNil(t, c) {
		assert.Equal(t, 1.0, c.Value)
	}
	if c := hdr.Get("MAPSTAT"); assert.NotNil(t, c) {
		assert.Equal(t, StatusMapOK, c.Value)
	}
}

func TestWriteFITSEmptyMap(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteFITS(&buf, PowerMapResult{Status: StatusMapCancelled}))
	assert.Zero(t, buf.Len())
}
