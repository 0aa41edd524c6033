package proto

import (
	"fmt"

	apierrors "github.com/cubefs/dsmeta/errors"
)

// Reply is returned by every control surface command, a zero RetCode means success.
type Reply struct {
	RetCode int    `json:"retc"`
	StdOut  string `json:"stdout"`
	StdErr  string `json:"stderr"`
}

func OkReply(format string, a ...interface{}) Reply {
	return Reply{StdOut: fmt.Sprintf(format, a...)}
}

func ErrReply(err error) Reply {
	return Reply{RetCode: apierrors.Code(err), StdErr: fmt.Sprintf("error: %s", err.Error())}
}
