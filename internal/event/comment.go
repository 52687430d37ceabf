package event

import "strings"

// CommentPrefix is the prefix of comments that contain a command.
const CommentPrefix = "/packit"

// Command is a command that was requested via a pull request or issue
// comment.
type Command string

const (
	CommandBuild             Command = "build"
	CommandRebuildFailed     Command = "rebuild-failed"
	CommandTest              Command = "test"
	CommandRetestFailed      Command = "retest-failed"
	CommandProposeDownstream Command = "propose-downstream"
)

var commandAliases = map[string]Command{
	"build":              CommandBuild,
	"copr-build":         CommandBuild,
	"rebuild-failed":     CommandRebuildFailed,
	"test":               CommandTest,
	"retest-failed":      CommandRetestFailed,
	"propose-downstream": CommandProposeDownstream,
	"propose-update":     CommandProposeDownstream,
}

// ParseComment returns the command and its arguments contained in the
// first line of the comment that starts with CommentPrefix.
// If the comment does not contain a known command, false is returned.
func ParseComment(comment string) (Command, []string, bool) {
	for _, line := range strings.Split(comment, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != CommentPrefix {
			continue
		}

		cmd, exist := commandAliases[fields[1]]
		if !exist {
			return "", nil, false
		}

		return cmd, fields[2:], true
	}

	return "", nil, false
}
