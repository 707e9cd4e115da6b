package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSimpleString(t *testing.T) {
	r := NewReader(strings.NewReader("+OK\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, TypeSimpleString, v.Type)
	assert.Equal(t, "OK", string(v.Str))
}

func TestReadSimpleError(t *testing.T) {
	r := NewReader(strings.NewReader("-ERR bad\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, TypeSimpleError, v.Type)
	assert.Equal(t, "ERR bad", string(v.Str))
}

func TestReadInteger(t *testing.T) {
	r := NewReader(strings.NewReader(":1000\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, TypeInteger, v.Type)
	assert.EqualValues(t, 1000, v.Num)
}

func TestReadNegativeInteger(t *testing.T) {
	r := NewReader(strings.NewReader(":-5\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.EqualValues(t, -5, v.Num)
}

func TestReadBulkString(t *testing.T) {
	r := NewReader(strings.NewReader("$5\r\nhello\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, TypeBulkString, v.Type)
	assert.Equal(t, "hello", string(v.Str))
}

func TestReadBulkStringEmpty(t *testing.T) {
	r := NewReader(strings.NewReader("$0\r\n\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "", string(v.Str))
}

func TestReadNullBulkString(t *testing.T) {
	r := NewReader(strings.NewReader("$-1\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestReadNullArray(t *testing.T) {
	r := NewReader(strings.NewReader("*-1\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.True(t, v.IsNullArray())
}

func TestReadNativeNull(t *testing.T) {
	r := NewReader(strings.NewReader("_\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestReadArray(t *testing.T) {
	r := NewReader(strings.NewReader("*2\r\n$3\r\nfoo\r\n:42\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	require.Equal(t, TypeArray, v.Type)
	require.Len(t, v.Array, 2)
	assert.Equal(t, "foo", string(v.Array[0].Str))
	assert.EqualValues(t, 42, v.Array[1].Num)
}

func TestReadNestedArray(t *testing.T) {
	r := NewReader(strings.NewReader("*1\r\n*1\r\n:7\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	require.Len(t, v.Array, 1)
	inner := v.Array[0]
	require.Equal(t, TypeArray, inner.Type)
	assert.EqualValues(t, 7, inner.Array[0].Num)
}

func TestReadBool(t *testing.T) {
	r := NewReader(strings.NewReader("#t\r\n#f\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.True(t, v.Bool)
	v, err = r.ReadValue()
	require.NoError(t, err)
	assert.False(t, v.Bool)
}

func TestReadDouble(t *testing.T) {
	r := NewReader(strings.NewReader(",3.14\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.InDelta(t, 3.14, v.Double, 0.0001)
}

func TestReadBigNumber(t *testing.T) {
	r := NewReader(strings.NewReader("(3492890328409238509324850943850943825024385\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "3492890328409238509324850943850943825024385", string(v.Str))
}

func TestReadVerbatimString(t *testing.T) {
	r := NewReader(strings.NewReader("=15\r\ntxt:Some string\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "txt", v.Format)
	assert.Equal(t, "Some string", string(v.Str))
}

func TestReadMap(t *testing.T) {
	r := NewReader(strings.NewReader("%2\r\n$3\r\nkey\r\n:1\r\n$3\r\nfoo\r\n:2\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	require.Equal(t, TypeMap, v.Type)
	require.Len(t, v.Pairs, 2)
	assert.Equal(t, "key", string(v.Pairs[0].Key.Str))
	assert.EqualValues(t, 1, v.Pairs[0].Val.Num)
}

func TestReadSetAndPush(t *testing.T) {
	r := NewReader(strings.NewReader("~1\r\n:9\r\n>1\r\n:9\r\n"))
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, TypeSet, v.Type)
	v, err = r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, TypePush, v.Type)
}

func TestReadBareCRIsHardError(t *testing.T) {
	r := NewReader(strings.NewReader("+O\rK\r\n"))
	_, err := r.ReadValue()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadMaxDepthExceeded(t *testing.T) {
	r := NewReaderLimits(strings.NewReader("*1\r\n*1\r\n:1\r\n"), Limits{MaxDepth: 1, MaxCollectionSize: 10, MaxStringLength: 10})
	_, err := r.ReadValue()
	assert.ErrorIs(t, err, ErrTooDeep)
}

func TestReadMaxCollectionSizeExceeded(t *testing.T) {
	r := NewReaderLimits(strings.NewReader("*100\r\n"), Limits{MaxDepth: 10, MaxCollectionSize: 5, MaxStringLength: 10})
	_, err := r.ReadValue()
	assert.ErrorIs(t, err, ErrTooManyElements)
}

func TestReadMaxStringLengthExceeded(t *testing.T) {
	r := NewReaderLimits(strings.NewReader("$100\r\n"), Limits{MaxDepth: 10, MaxCollectionSize: 10, MaxStringLength: 5})
	_, err := r.ReadValue()
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestWriteSimpleString(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(SimpleStr("OK")))
	assert.Equal(t, "+OK\r\n", buf.String())
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(SimpleErr("ERR bad")))
	assert.Equal(t, "-ERR bad\r\n", buf.String())
}

func TestWriteInteger(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(Int(-7)))
	assert.Equal(t, ":-7\r\n", buf.String())
}

func TestWriteBulkString(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(BulkStr("hello")))
	assert.Equal(t, "$5\r\nhello\r\n", buf.String())
}

func TestWriteNullUsesLegacyBulkForm(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(NullBulk()))
	assert.Equal(t, "$-1\r\n", buf.String())
}

func TestWriteNullArrayUsesLegacyArrayForm(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(NullArray()))
	assert.Equal(t, "*-1\r\n", buf.String())
}

func TestWriteArray(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(Arr(Int(1), BulkStr("two"))))
	assert.Equal(t, "*2\r\n:1\r\n$3\r\ntwo\r\n", buf.String())
}

func TestWriteNonFiniteDoubleErrors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.WriteValue(Value{Type: TypeDouble, Double: 1.0 / zero()})
	assert.ErrorIs(t, err, ErrNonFiniteDouble)
}

func TestWriteNoResponseIsNoop(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(NoResponse))
	assert.Equal(t, "", buf.String())
}

func TestRoundTripNestedArray(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	orig := Arr(BulkStr("a"), Arr(Int(1), Int(2)), NullBulk())
	require.NoError(t, w.WriteValue(orig))

	r := NewReader(&buf)
	got, err := r.ReadValue()
	require.NoError(t, err)
	require.Len(t, got.Array, 3)
	assert.Equal(t, "a", string(got.Array[0].Str))
	assert.EqualValues(t, 1, got.Array[1].Array[0].Num)
	assert.True(t, got.Array[2].IsNull())
}

// zero returns 0.0 without tripping a compile-time constant division by zero.
func zero() float64 { return 0.0 }
