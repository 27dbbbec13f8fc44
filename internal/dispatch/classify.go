package dispatch

import (
	"strings"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
)

// Kind is the branch an inbound message was routed to.
type Kind string

const (
	KindRegister      Kind = "register"
	KindTokens        Kind = "tokens"
	KindClean         Kind = "clean"
	KindDescribeImage Kind = "describe_image"
	KindText          Kind = "text"
	KindUnsupported   Kind = "unsupported"
)

var commands = map[string]Kind{
	"/start":          KindRegister,
	"/tokens":         KindTokens,
	"/clean":          KindClean,
	"/describe_image": KindDescribeImage,
}

// Classifier routes messages to branches. BotUsername, when set, restricts
// "@name"-addressed commands to this bot: "/start@OtherBot" is plain text.
// An empty BotUsername accepts any suffix.
type Classifier struct {
	BotUsername string
}

// Classify routes msg with a Classifier that accepts any "@botname" suffix.
func Classify(msg *cmdpkg.Message) Kind {
	return Classifier{}.Classify(msg)
}

// CommandToken is Classifier.CommandToken with any "@botname" suffix accepted.
func CommandToken(msg *cmdpkg.Message) string {
	return Classifier{}.CommandToken(msg)
}

// Classify routes a message to exactly one branch. First match wins:
// recognized command, then image, then text, then unsupported.
func (c Classifier) Classify(msg *cmdpkg.Message) Kind {
	if msg == nil {
		return KindUnsupported
	}
	if kind, ok := commands[c.CommandToken(msg)]; ok {
		return kind
	}
	if len(msg.Photo) > 0 {
		return KindDescribeImage
	}
	if msg.Text != nil && *msg.Text != "" {
		return KindText
	}
	return KindUnsupported
}

// CommandToken returns the leading "/command" of the message text (or of
// the photo caption when there is no text) with its "@botname" suffix
// removed. It returns "" when the message does not start with a slash or
// the command is addressed to a different bot.
func (c Classifier) CommandToken(msg *cmdpkg.Message) string {
	var s string
	switch {
	case msg.Text != nil:
		s = *msg.Text
	case msg.Caption != nil:
		s = *msg.Caption
	}
	fields := strings.Fields(s)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	tok, addressee, addressed := strings.Cut(fields[0], "@")
	own := strings.TrimPrefix(c.BotUsername, "@")
	if addressed && own != "" && !strings.EqualFold(addressee, own) {
		return ""
	}
	return tok
}
