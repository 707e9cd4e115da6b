package command

import (
	"testing"

	"github.com/redisq/redisq/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arr(parts ...string) protocol.Value {
	items := make([]protocol.Value, len(parts))
	for i, p := range parts {
		items[i] = protocol.BulkStr(p)
	}
	return protocol.Arr(items...)
}

func TestParseRejectsNonArray(t *testing.T) {
	_, err := Parse(protocol.BulkStr("PING"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseRejectsEmptyArray(t *testing.T) {
	_, err := Parse(protocol.Arr())
	assert.ErrorIs(t, err, ErrParse)
}

func TestParsePingBare(t *testing.T) {
	cmd, err := Parse(arr("PING"))
	require.NoError(t, err)
	assert.Equal(t, Ping, cmd.Kind)
}

func TestParsePingIsCaseInsensitive(t *testing.T) {
	cmd, err := Parse(arr("ping"))
	require.NoError(t, err)
	assert.Equal(t, Ping, cmd.Kind)
}

func TestParseGetArity(t *testing.T) {
	_, err := Parse(arr("GET"))
	assert.ErrorIs(t, err, ErrParse)

	cmd, err := Parse(arr("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, Get, cmd.Kind)
	assert.Equal(t, "k", string(cmd.Key))
}

func TestParseSetWithPX(t *testing.T) {
	cmd, err := Parse(arr("SET", "k", "v", "PX", "100"))
	require.NoError(t, err)
	assert.True(t, cmd.HasPX)
	assert.EqualValues(t, 100, cmd.PXMillis)
}

func TestParseSetWithoutOptions(t *testing.T) {
	cmd, err := Parse(arr("SET", "k", "v"))
	require.NoError(t, err)
	assert.False(t, cmd.HasPX)
}

func TestParseSetOddTrailingTokenIsSyntaxError(t *testing.T) {
	_, err := Parse(arr("SET", "k", "v", "PX"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseSetUnknownOptionIsSyntaxError(t *testing.T) {
	_, err := Parse(arr("SET", "k", "v", "XX", "1"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseRpushCollectsValues(t *testing.T) {
	cmd, err := Parse(arr("RPUSH", "k", "a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, cmd.Values, 3)
	assert.Equal(t, "a", string(cmd.Values[0]))
}

func TestParseLpopWithoutCount(t *testing.T) {
	cmd, err := Parse(arr("LPOP", "k"))
	require.NoError(t, err)
	assert.False(t, cmd.HasCount)
}

func TestParseLpopWithCount(t *testing.T) {
	cmd, err := Parse(arr("LPOP", "k", "3"))
	require.NoError(t, err)
	assert.True(t, cmd.HasCount)
	assert.EqualValues(t, 3, cmd.Count)
}

func TestParseBlpopTimeout(t *testing.T) {
	cmd, err := Parse(arr("BLPOP", "k", "1.5"))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, cmd.TimeoutSec, 0.0001)
}

func TestParseLrange(t *testing.T) {
	cmd, err := Parse(arr("LRANGE", "k", "0", "-1"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, cmd.Start)
	assert.EqualValues(t, -1, cmd.End)
}

func TestParseXaddRequiresOddArity(t *testing.T) {
	_, err := Parse(arr("XADD", "s", "*", "f"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseXaddCollectsFieldPairs(t *testing.T) {
	cmd, err := Parse(arr("XADD", "s", "*", "f1", "v1", "f2", "v2"))
	require.NoError(t, err)
	assert.Equal(t, "*", cmd.StreamID)
	require.Len(t, cmd.Fields, 2)
	assert.Equal(t, "f1", string(cmd.Fields[0][0]))
	assert.Equal(t, "v2", string(cmd.Fields[1][1]))
}

func TestParseXrange(t *testing.T) {
	cmd, err := Parse(arr("XRANGE", "s", "-", "+"))
	require.NoError(t, err)
	assert.Equal(t, "-", cmd.RangeStart)
	assert.Equal(t, "+", cmd.RangeEnd)
}

func TestParseXreadWithoutBlock(t *testing.T) {
	cmd, err := Parse(arr("XREAD", "STREAMS", "s1", "s2", "0-0", "0-0"))
	require.NoError(t, err)
	assert.False(t, cmd.HasBlock)
	require.Len(t, cmd.Keys, 2)
	require.Len(t, cmd.StreamIDs, 2)
	assert.Equal(t, "s1", string(cmd.Keys[0]))
	assert.Equal(t, "0-0", cmd.StreamIDs[0])
}

func TestParseXreadWithBlock(t *testing.T) {
	cmd, err := Parse(arr("XREAD", "BLOCK", "200", "STREAMS", "s", "$"))
	require.NoError(t, err)
	assert.True(t, cmd.HasBlock)
	assert.EqualValues(t, 200, cmd.BlockMs)
	assert.Equal(t, "$", cmd.StreamIDs[0])
}

func TestParseXreadUnbalancedIsError(t *testing.T) {
	_, err := Parse(arr("XREAD", "STREAMS", "s1", "s2", "0-0"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseSubscribeExactlyOneChannel(t *testing.T) {
	_, err := Parse(arr("SUBSCRIBE"))
	assert.ErrorIs(t, err, ErrParse)

	cmd, err := Parse(arr("SUBSCRIBE", "ch"))
	require.NoError(t, err)
	assert.Equal(t, "ch", cmd.Channel)
}

func TestParsePublish(t *testing.T) {
	cmd, err := Parse(arr("PUBLISH", "ch", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "ch", cmd.Channel)
	assert.Equal(t, "hello", string(cmd.Message))
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse(arr("NOPE"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseRejectsNonBulkStringArgs(t *testing.T) {
	req := protocol.Arr(protocol.BulkStr("GET"), protocol.Int(5))
	_, err := Parse(req)
	assert.ErrorIs(t, err, ErrParse)
}
