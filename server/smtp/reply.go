package smtp

import "fmt"

// Reply is one SMTP status line.
type Reply struct {
	Code    int
	Message string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// Success reports whether the reply is a 2xx or 3xx completion.
func (r Reply) Success() bool {
	return r.Code >= 200 && r.Code < 400
}

func reply(code int, format string, args ...any) Reply {
	return Reply{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	replyOK              = Reply{250, "OK"}
	replyStartMailInput  = Reply{354, "Start mail input; end with <CRLF>.<CRLF>"}
	replyLocalError      = Reply{451, "Requested action aborted: local error in processing"}
	replyNotRecognized   = Reply{500, "Command not recognized"}
	replyLineTooLong     = Reply{500, "Line too long"}
	replyNotImplemented  = Reply{502, "Command not implemented"}
	replyBadSequence     = Reply{503, "Bad sequence of commands"}
	replyNoSuchUser      = Reply{550, "No such user here"}
	replyMessageTooLarge = Reply{552, "Requested mail action aborted: exceeded storage allocation"}
	replyTooManyConns    = Reply{421, "Too many connections, try again later"}
)
