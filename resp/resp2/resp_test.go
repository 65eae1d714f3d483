package resp2

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	. "testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/redpub/resp"
)

func readerOf(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestMarshal(t *T) {
	type test struct {
		in  resp.Marshaler
		out string
	}

	tests := []test{
		{in: SimpleString{S: ""}, out: "+\r\n"},
		{in: SimpleString{S: "OK"}, out: "+OK\r\n"},
		{in: Error{E: errors.New("ERR foo")}, out: "-ERR foo\r\n"},
		{in: Int{I: 0}, out: ":0\r\n"},
		{in: Int{I: -5}, out: ":-5\r\n"},
		{in: BulkStringBytes{B: nil}, out: "$-1\r\n"},
		{in: BulkStringBytes{B: nil, MarshalNotNil: true}, out: "$0\r\n\r\n"},
		{in: BulkStringBytes{B: []byte("foo\r\nbar")}, out: "$8\r\nfoo\r\nbar\r\n"},
		{in: BulkString{S: ""}, out: "$0\r\n\r\n"},
		{in: BulkString{S: "foo"}, out: "$3\r\nfoo\r\n"},
		{in: ArrayHeader{N: 2}, out: "*2\r\n"},
		{in: Array{}, out: "*-1\r\n"},
		{in: Array{A: []resp.Marshaler{SimpleString{S: "a"}, Int{I: 1}}}, out: "*2\r\n+a\r\n:1\r\n"},
		{in: Any{I: nil}, out: "$-1\r\n"},
		{in: Any{I: "foo"}, out: "$3\r\nfoo\r\n"},
		{in: Any{I: []byte("foo")}, out: "$3\r\nfoo\r\n"},
		{in: Any{I: uint8(7)}, out: ":7\r\n"},
		{in: Any{I: true}, out: ":1\r\n"},
		{in: Any{I: 1.5}, out: "$3\r\n1.5\r\n"},
		{in: Any{I: []string{"PUBLISH", "ch", "hi"}}, out: "*3\r\n$7\r\nPUBLISH\r\n$2\r\nch\r\n$2\r\nhi\r\n"},
		{in: Any{I: []interface{}{"subscribe", "ch", 1}}, out: "*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"},
		{in: Any{I: errors.New("ERR bar")}, out: "-ERR bar\r\n"},
	}

	for _, test := range tests {
		buf := new(bytes.Buffer)
		require.Nil(t, test.in.MarshalRESP(buf), "in:%#v", test.in)
		assert.Equal(t, test.out, buf.String(), "in:%#v", test.in)
	}

	err := Any{I: struct{}{}}.MarshalRESP(new(bytes.Buffer))
	assert.True(t, errors.As(err, new(resp.ErrConnUsable)))
}

func TestUnmarshalPrimitives(t *T) {
	br := readerOf("+OK\r\n:42\r\n$3\r\nfoo\r\n$-1\r\n$0\r\n\r\n*3\r\n")

	var ss SimpleString
	require.Nil(t, ss.UnmarshalRESP(br))
	assert.Equal(t, "OK", ss.S)

	var i Int
	require.Nil(t, i.UnmarshalRESP(br))
	assert.Equal(t, int64(42), i.I)

	var bs BulkString
	require.Nil(t, bs.UnmarshalRESP(br))
	assert.Equal(t, "foo", bs.S)

	var bsb BulkStringBytes
	require.Nil(t, bsb.UnmarshalRESP(br))
	assert.Nil(t, bsb.B)

	require.Nil(t, bsb.UnmarshalRESP(br))
	assert.NotNil(t, bsb.B)
	assert.Empty(t, bsb.B)

	var ah ArrayHeader
	require.Nil(t, ah.UnmarshalRESP(br))
	assert.Equal(t, 3, ah.N)
}

func TestUnmarshalErrorReply(t *T) {
	br := readerOf("-ERR unknown command\r\n:1\r\n")

	var i Int
	err := i.UnmarshalRESP(br)
	require.Error(t, err)
	assert.True(t, resp.IsConnUsable(err))

	var respErr Error
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, "ERR unknown command", respErr.Error())

	// the error reply was consumed, the next message is intact
	require.Nil(t, i.UnmarshalRESP(br))
	assert.Equal(t, int64(1), i.I)
}

func TestUnmarshalWrongPrefixDiscards(t *T) {
	br := readerOf("*2\r\n$1\r\na\r\n:5\r\n+OK\r\n")

	var i Int
	err := i.UnmarshalRESP(br)
	require.Error(t, err)
	assert.True(t, resp.IsConnUsable(err))

	var ss SimpleString
	require.Nil(t, ss.UnmarshalRESP(br))
	assert.Equal(t, "OK", ss.S)
}

func TestAnyUnmarshal(t *T) {
	{
		var s string
		require.Nil(t, Any{I: &s}.UnmarshalRESP(readerOf("$5\r\nhello\r\n")))
		assert.Equal(t, "hello", s)
	}
	{
		var n int
		require.Nil(t, Any{I: &n}.UnmarshalRESP(readerOf(":3\r\n")))
		assert.Equal(t, 3, n)
	}
	{
		var n int64
		require.Nil(t, Any{I: &n}.UnmarshalRESP(readerOf("$2\r\n12\r\n")))
		assert.Equal(t, int64(12), n)
	}
	{
		var ss []string
		require.Nil(t, Any{I: &ss}.UnmarshalRESP(readerOf("*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$2\r\nhi\r\n")))
		assert.Equal(t, []string{"message", "ch", "hi"}, ss)
	}
	{
		var bb [][]byte
		require.Nil(t, Any{I: &bb}.UnmarshalRESP(readerOf("*2\r\n$1\r\na\r\n:2\r\n")))
		assert.Equal(t, [][]byte{[]byte("a"), []byte("2")}, bb)
	}
	{
		var i interface{}
		require.Nil(t, Any{I: &i}.UnmarshalRESP(readerOf("*3\r\n+pong\r\n$-1\r\n:1\r\n")))
		assert.Equal(t, []interface{}{"pong", nil, int64(1)}, i)
	}
	{
		// nil receiver discards the message entirely
		br := readerOf("*2\r\n$1\r\na\r\n$1\r\nb\r\n+OK\r\n")
		require.Nil(t, Any{}.UnmarshalRESP(br))
		var ss SimpleString
		require.Nil(t, ss.UnmarshalRESP(br))
		assert.Equal(t, "OK", ss.S)
	}
	{
		var n int
		err := Any{I: &n}.UnmarshalRESP(readerOf("*1\r\n:1\r\n"))
		assert.True(t, resp.IsConnUsable(err))
	}
}

func TestRawMessage(t *T) {
	in := "*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$-1\r\n:5\r\n"
	br := readerOf(in)

	var rm RawMessage
	require.Nil(t, rm.UnmarshalRESP(br))
	assert.Equal(t, "*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$-1\r\n", string(rm))
	assert.False(t, rm.IsNil())
	assert.False(t, rm.IsError())

	var ss []string
	require.Nil(t, rm.UnmarshalInto(Any{I: &ss}))
	assert.Equal(t, []string{"message", "ch", ""}, ss)

	require.Nil(t, rm.UnmarshalRESP(br))
	assert.Equal(t, ":5\r\n", string(rm))

	assert.True(t, RawMessage("$-1\r\n").IsNil())
	assert.True(t, RawMessage("*-1\r\n").IsNil())
	assert.True(t, RawMessage("-ERR x\r\n").IsError())

	buf := new(bytes.Buffer)
	require.Nil(t, rm.MarshalRESP(buf))
	assert.Equal(t, ":5\r\n", buf.String())
}

func TestRawMessageMalformed(t *T) {
	var rm RawMessage
	assert.Error(t, rm.UnmarshalRESP(readerOf("?what\r\n")))
	assert.Error(t, rm.UnmarshalRESP(readerOf("+no crlf\n")))
}
