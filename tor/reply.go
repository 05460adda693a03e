package tor

import (
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

const (
	// success is the Tor control response code representing a successful
	// request.
	success = 250

	// asyncEvent is the status code Tor uses for every asynchronous
	// event.
	asyncEvent = 650

	// authFailed is the status code Tor returns when AUTHENTICATE is
	// rejected.
	authFailed = 515
)

var (
	// replyFieldRegex is the regular expression used to find fields in a
	// reply. Parameters within a reply field can be specified with quotes
	// and can contain escaped characters, so the quoted form is tried
	// first.
	replyFieldRegex = regexp.MustCompile(
		`(\S+)=("(?:\\.|[^"\\])*"|\S+)`,
	)

	// unescapeValueRegex is the regular expression used to unescape
	// escaped characters within a quoted reply value.
	unescapeValueRegex = regexp.MustCompile(`\\(.)`)
)

// ReplyLine is one logical line of a control reply. For data lines (those
// sent with a "+" separator) Data holds the dot-decoded body.
type ReplyLine struct {
	// Code is the status code of the line.
	Code int

	// Text is everything after the status code and separator.
	Text string

	// Data is the body of a data line, one entry per line.
	Data []string
}

// Reply is a complete control reply: zero or more mid lines followed by a
// final line.
type Reply struct {
	// Code is the status code of the final line.
	Code int

	// Lines holds every line of the reply, the final line included.
	Lines []ReplyLine
}

// IsOK returns true if the final status code is 2xx.
func (r *Reply) IsOK() bool {
	return r.Code/100 == 2
}

// Final returns the text of the final line.
func (r *Reply) Final() string {
	if len(r.Lines) == 0 {
		return ""
	}

	return r.Lines[len(r.Lines)-1].Text
}

// String joins the reply lines the way the rest of the package parses them:
// mid lines are separated by "\n", and the lines of a data block are joined
// by ",".
func (r *Reply) String() string {
	texts := make([]string, 0, len(r.Lines))
	for _, line := range r.Lines {
		text := line.Text
		if len(line.Data) > 0 {
			text += strings.Join(line.Data, ",")
		}
		texts = append(texts, text)
	}

	return strings.Join(texts, "\n")
}

// readReply reads one complete reply from the connection. The reader
// goroutine is its only caller once the controller has started.
func (c *Controller) readReply() (*Reply, error) {
	reply := &Reply{}

	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return nil, err
		}
		log.Tracef("Reading line: %v", line)

		// A line must at least carry a status code and a separator.
		if len(line) < 4 {
			return nil, textproto.ProtocolError("short line: " +
				line)
		}

		code, err := strconv.Atoi(line[0:3])
		if err != nil {
			return nil, textproto.ProtocolError("invalid line: " +
				line)
		}

		replyLine := ReplyLine{Code: code, Text: line[4:]}

		switch line[3] {
		// Mid reply line.
		case '-':
			reply.Lines = append(reply.Lines, replyLine)

		// Data reply line, the body follows until a line holding a
		// single dot.
		case '+':
			data, err := c.conn.ReadDotLines()
			if err != nil {
				return nil, err
			}
			replyLine.Data = data
			reply.Lines = append(reply.Lines, replyLine)

		// End of reply.
		case ' ':
			reply.Lines = append(reply.Lines, replyLine)
			reply.Code = code

			return reply, nil

		default:
			return nil, textproto.ProtocolError("invalid line: " +
				line)
		}
	}
}

// parseTorReply parses the reply from the Tor server after receiving a
// command from a controller. This will parse the relevant reply parameters
// into a map of keys and values.
func parseTorReply(reply string) map[string]string {
	params := make(map[string]string)

	// Find all fields of a reply. The -1 indicates that we want this to
	// find all instances of the regexp.
	contents := replyFieldRegex.FindAllStringSubmatch(reply, -1)
	for _, content := range contents {
		// Each element in the content array will be an array of three
		// elements: the total string, the key and the value.
		key := content[1]
		value := content[2]

		// Unescape the value if it's quoted.
		if len(value) >= 2 && strings.HasPrefix(value, `"`) &&
			strings.HasSuffix(value, `"`) {

			value = unescapeValueRegex.ReplaceAllString(
				value[1:len(value)-1], "${1}",
			)
		}

		params[key] = value
	}

	return params
}

// quoteValue returns s as a Tor QuotedString.
func quoteValue(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)

	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')

	return b.String()
}
