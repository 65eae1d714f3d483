package redpub

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/mediocregopher/redpub/resp"
	"github.com/mediocregopher/redpub/resp/resp2"
)

// Action performs a task using a Conn.
type Action interface {
	Perform(ctx context.Context, c Conn) error
}

// CmdAction is an Action which is a single redis command. It can also be
// written directly onto a Conn, which is how commands whose replies arrive
// asynchronously (e.g. SUBSCRIBE) are sent.
type CmdAction interface {
	Action
	resp.Marshaler
	resp.Unmarshaler
}

type cmdAction struct {
	rcv  interface{}
	args []string
}

// Cmd returns a CmdAction which will write the given command and arguments as
// an array of bulk strings, and unmarshal the reply into rcv. See resp2.Any
// for the types rcv may be. If rcv is nil the reply is read and discarded.
//
// A redis error reply is returned from Perform as a resp2.Error.
//
//	var receivers int
//	err := conn.Do(ctx, redpub.Cmd(&receivers, "PUBLISH", "events", "hello"))
func Cmd(rcv interface{}, cmd string, args ...string) CmdAction {
	return &cmdAction{
		rcv:  rcv,
		args: append([]string{cmd}, args...),
	}
}

func (c *cmdAction) MarshalRESP(w io.Writer) error {
	return resp2.Any{I: c.args}.MarshalRESP(w)
}

func (c *cmdAction) UnmarshalRESP(br *bufio.Reader) error {
	return resp2.Any{I: c.rcv}.UnmarshalRESP(br)
}

func (c *cmdAction) Perform(ctx context.Context, conn Conn) error {
	return conn.EncodeDecode(ctx, c, c)
}

func (c *cmdAction) String() string {
	return strings.Join(c.args, " ")
}
