package grib2

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conus(rows, cols int) gridDef {
	return gridDef{
		ni:  cols,
		nj:  rows,
		la1: 54995000,
		lo1: 230005000,
		la2: 20005000,
		lo2: 299995000,
		di:  10000,
		dj:  10000,
	}
}

// field describes one GRIB2 message laid out the way MRMS publishes it:
// discipline 209, template 3.0 grid, template 4.0 product, PNG packing.
type field struct {
	grid     gridDef
	ref      float32
	binScale int
	decScale int
	bits     uint8
	bitmap   uint8
	pixels   []uint16 // row-major in scan order
}

func section(num byte, body []byte) []byte {
	out := make([]byte, 5, 5+len(body))
	binary.BigEndian.PutUint32(out, uint32(5+len(body)))
	out[4] = num
	return append(out, body...)
}

func sm16(v int) []byte {
	u := uint16(v)
	if v < 0 {
		u = uint16(-v) | 0x8000
	}
	return binary.BigEndian.AppendUint16(nil, u)
}

func sm32(v int64) []byte {
	u := uint32(v)
	if v < 0 {
		u = uint32(-v) | 0x80000000
	}
	return binary.BigEndian.AppendUint32(nil, u)
}

func encodeField(t *testing.T, f field) []byte {
	t.Helper()
	g := f.grid
	n := g.ni * g.nj

	var s1 bytes.Buffer
	s1.Write([]byte{0, 161, 0, 0, 0, 1, 1}) // centre, subcentre, tables, significance
	s1.Write(binary.BigEndian.AppendUint16(nil, 2025))
	s1.Write([]byte{11, 7, 20, 0, 36, 0, 0})

	var s3 bytes.Buffer
	s3.WriteByte(0)
	s3.Write(binary.BigEndian.AppendUint32(nil, uint32(n)))
	s3.Write([]byte{0, 0})
	s3.Write(binary.BigEndian.AppendUint16(nil, templateLatLon))
	s3.Write(make([]byte, 16)) // shape of the earth
	s3.Write(binary.BigEndian.AppendUint32(nil, uint32(g.ni)))
	s3.Write(binary.BigEndian.AppendUint32(nil, uint32(g.nj)))
	s3.Write(make([]byte, 8)) // basic angle
	s3.Write(sm32(g.la1))
	s3.Write(sm32(g.lo1))
	s3.WriteByte(0x30)
	s3.Write(sm32(g.la2))
	s3.Write(sm32(g.lo2))
	s3.Write(binary.BigEndian.AppendUint32(nil, uint32(g.di)))
	s3.Write(binary.BigEndian.AppendUint32(nil, uint32(g.dj)))
	s3.WriteByte(g.scanMode)

	s4 := append([]byte{0, 0, 0, 0}, make([]byte, 25)...) // template 4.0

	var s5 bytes.Buffer
	s5.Write(binary.BigEndian.AppendUint32(nil, uint32(n)))
	s5.Write(binary.BigEndian.AppendUint16(nil, templatePNG))
	s5.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(f.ref)))
	s5.Write(sm16(f.binScale))
	s5.Write(sm16(f.decScale))
	s5.Write([]byte{f.bits, 0})

	var s7 []byte
	if f.bits > 0 {
		var img image.Image
		if f.bits == 8 {
			im := image.NewGray(image.Rect(0, 0, g.ni, g.nj))
			for i, p := range f.pixels {
				im.SetGray(i%g.ni, i/g.ni, color.Gray{Y: uint8(p)})
			}
			img = im
		} else {
			im := image.NewGray16(image.Rect(0, 0, g.ni, g.nj))
			for i, p := range f.pixels {
				im.SetGray16(i%g.ni, i/g.ni, color.Gray16{Y: p})
			}
			img = im
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		s7 = buf.Bytes()
	}

	var body bytes.Buffer
	body.Write(section(1, s1.Bytes()))
	body.Write(section(3, s3.Bytes()))
	body.Write(section(4, s4))
	body.Write(section(5, s5.Bytes()))
	body.Write(section(6, []byte{f.bitmap}))
	body.Write(section(7, s7))
	body.WriteString("7777")

	out := []byte{'G', 'R', 'I', 'B', 0, 0, 209, 2}
	out = binary.BigEndian.AppendUint64(out, uint64(16+body.Len()))
	return append(out, body.Bytes()...)
}

func TestDecodePNGPackedField(t *testing.T) {
	// Y = (-9990 + X) / 10
	raw := encodeField(t, field{
		grid:     conus(2, 3),
		ref:      -9990,
		decScale: 1,
		bits:     16,
		bitmap:   noBitmap,
		pixels:   []uint16{10115, 0, 9000, 10390, 9990, 10640},
	})

	g, err := Decoder{}.Decode(0.5, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Rows)
	assert.Equal(t, 3, g.Cols)
	assert.Equal(t, []float32{12.5, Missing, Missing, 40, 0, 65}, g.Values)
	assert.InDelta(t, 54.995, g.Bounds.North, 1e-9)
	assert.InDelta(t, -129.995, g.Bounds.West, 1e-9)
	assert.InDelta(t, 0.01, g.Resolution.Lon, 1e-12)
	assert.Equal(t, "dBZ", g.Units)
	assert.NoError(t, g.Validate())
}

func TestDecodePNGSouthToNorth(t *testing.T) {
	def := conus(2, 2)
	def.la1, def.la2 = def.la2, def.la1
	def.scanMode = scanSouthToNorth
	raw := encodeField(t, field{grid: def, binScale: 1, bits: 8, bitmap: noBitmap, pixels: []uint16{1, 2, 3, 4}})

	g, err := Decoder{}.Decode(0.5, raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 8, 2, 4}, g.Values)
	assert.InDelta(t, 54.995, g.Bounds.North, 1e-9)
}

func TestDecodeConstantField(t *testing.T) {
	raw := encodeField(t, field{grid: conus(2, 2), ref: -999, bitmap: noBitmap})

	g, err := Decoder{}.Decode(1.0, raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{Missing, Missing, Missing, Missing}, g.Values)
}

func TestDecodeRejectsBitmap(t *testing.T) {
	raw := encodeField(t, field{grid: conus(1, 2), bits: 8, bitmap: 0, pixels: []uint16{1, 2}})
	_, err := Decoder{}.Decode(0.5, raw)
	assert.ErrorIs(t, err, errUnsupportedGrid)
}

func TestDecodeTruncated(t *testing.T) {
	raw := encodeField(t, field{grid: conus(2, 2), bits: 8, bitmap: noBitmap, pixels: []uint16{1, 2, 3, 4}})
	_, err := Decoder{}.Decode(0.5, raw[:len(raw)/2])
	assert.ErrorIs(t, err, errTruncated)
}

func TestSignMagnitude(t *testing.T) {
	assert.Equal(t, -3, signMagnitude16(sm16(-3)))
	assert.Equal(t, 7, signMagnitude16(sm16(7)))
	assert.Equal(t, int64(-129995000), signMagnitude32(sm32(-129995000)))
}

func TestFromDefinition(t *testing.T) {
	data := []float64{12.5, -999, -99, 40, 0, 65}
	g, err := fromDefinition(0.5, conus(2, 3), data)
	require.NoError(t, err)

	assert.Equal(t, []float32{12.5, Missing, Missing, 40, 0, 65}, g.Values)
	assert.InDelta(t, 20.005, g.Bounds.South, 1e-9)
	assert.InDelta(t, -60.005, g.Bounds.East, 1e-9)
	assert.InDelta(t, 0.01, g.Resolution.Lat, 1e-12)
}

func TestFromDefinitionSizeMismatch(t *testing.T) {
	_, err := fromDefinition(0.5, conus(2, 2), []float64{1, 2, 3})
	assert.Error(t, err)

	_, err = fromDefinition(0.5, conus(0, 2), nil)
	assert.ErrorIs(t, err, errUnsupportedGrid)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decoder{}.Decode(0.5, []byte("definitely not grib"))
	assert.ErrorIs(t, err, errNotGRIB2)
}
